package telegraph

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/zulandar/helpdesk/internal/models"
	"github.com/zulandar/helpdesk/internal/report"
	"github.com/zulandar/helpdesk/internal/ticket"
)

// minDescriptionLen is the shortest accepted problem description, in runes.
const minDescriptionLen = 5

// Conversation texts.
const (
	FAQText = `Make sure you have the latest version of the app from the App Store or Google Play.

1. How do I create a budget?
Open "Budgets" and tap "Create new budget". Fill in the name, expense categories and planned amount, then tap "Save".

2. How do I track debts?
Open "Debts" and tap "Add new debt". Enter the amount, the due date and a contact. Update the status as you repay to see your progress.

3. How does the loan calculator work?
Open "Loan calculator", enter the loan amount, interest rate and term in months, then tap "Calculate" to see the monthly payment and the total.

4. How do I add an investment?
Open "Investments" and tap "Add investment". Choose the type, amount and term. The app estimates the expected return.

5. Can I get notified about financial events?
Yes. Open "Settings", then "Notifications", and turn on alerts for scheduled payments, budget changes and investments.`

	HelpText = `This is the support bot for the app. With it you can:
1. Report a problem with /start.
2. Suggest an improvement with /suggestions.
3. Attach a screenshot or photo that shows the situation.
4. Get an answer from our support team.`

	msgIssuePage           = "Hello! Choose the app page where the problem happened."
	msgIssueDescription    = "You chose the page: %s. Please describe your problem in detail."
	msgDescriptionShort    = "Your answer seems too short. Please describe the problem in more detail."
	msgScreenshot          = "Thank you! Please send a screenshot or photo that shows the problem. If you have no screenshot, press 'No' to skip."
	msgScreenshotRetry     = "Please send a screenshot or photo that shows the problem. If you have no screenshot, type 'No' to skip."
	msgScreenshotFailed    = "We could not receive that image. Please send it again or type 'No' to skip."
	msgAdditionalInfo      = "Thank you! Please tell us your device model, OS version and app version."
	msgIssueConfirmed      = "Thank you! Your request is registered under number #%s.\nOur support team will contact you shortly."
	msgIssueCancelled      = "You cancelled the process. If you have any questions, write to me again."
	msgSuggestionPage      = "Choose the page you would like to see improved:"
	msgSuggestionSection   = "Choose the tab on the '%s' page you would like to improve:"
	msgSuggestionText      = "Please describe your suggestion:"
	msgSuggestionThanks    = "Thank you for your suggestion! We value your contribution to the app."
	msgSuggestionCancelled = "You cancelled the suggestion. If you want to share ideas, send /suggestions."
	msgUnknownCommand      = "Sorry, I don't understand this command. Send /start to report a problem or /suggestions to suggest an improvement."
	msgUnexpectedPhoto     = "If you want to send a photo of an error, press /start, choose the page where the error happens and follow the instructions."
	msgSaveFailed          = "Sorry, we could not save your request right now. Please send your last answer again in a moment."
)

// Repository is the ticket store used by the engine.
type Repository interface {
	GetOrCreateProfile(ctx context.Context, transportID string, defaults ticket.ProfileDefaults) (*models.UserProfile, error)
	Create(ctx context.Context, opts ticket.CreateOpts) (*models.Ticket, error)
}

// ReportRenderer produces the spreadsheet attached to suggestions.
type ReportRenderer interface {
	Render(name string, row []report.Column) (*report.Artifact, error)
}

// Engine runs the issue and suggestion conversations. Handle must not be
// called concurrently for the same identity; the Dispatcher guarantees this.
type Engine struct {
	adapter         Adapter
	repo            Repository
	reports         ReportRenderer
	notifier        *Notifier
	sessions        *SessionStore
	catalog         *Catalog
	sendTimeout     time.Duration
	downloadTimeout time.Duration
	out             io.Writer
}

// EngineOpts holds parameters for creating an Engine.
type EngineOpts struct {
	Adapter         Adapter
	Repository      Repository
	Reports         ReportRenderer // optional; suggestions are sent as text without it
	Notifier        *Notifier
	Sessions        *SessionStore // defaults to a store without expiry
	Catalog         *Catalog      // defaults to DefaultPages
	SendTimeout     time.Duration // bounds replies to the user; zero means none
	DownloadTimeout time.Duration // bounds screenshot downloads; zero means none
	Out             io.Writer     // defaults to os.Stdout
}

// NewEngine creates an Engine.
func NewEngine(opts EngineOpts) (*Engine, error) {
	if opts.Adapter == nil {
		return nil, fmt.Errorf("telegraph: engine: adapter is required")
	}
	if opts.Repository == nil {
		return nil, fmt.Errorf("telegraph: engine: repository is required")
	}
	if opts.Notifier == nil {
		return nil, fmt.Errorf("telegraph: engine: notifier is required")
	}
	sessions := opts.Sessions
	if sessions == nil {
		sessions = NewSessionStore(0)
	}
	catalog := opts.Catalog
	if catalog == nil {
		catalog = NewCatalog(DefaultPages)
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Engine{
		adapter:         opts.Adapter,
		repo:            opts.Repository,
		reports:         opts.Reports,
		notifier:        opts.Notifier,
		sessions:        sessions,
		catalog:         catalog,
		sendTimeout:     opts.SendTimeout,
		downloadTimeout: opts.DownloadTimeout,
		out:             out,
	}, nil
}

// Sessions returns the engine's session store.
func (e *Engine) Sessions() *SessionStore { return e.sessions }

// Handle processes one inbound event. Classification order:
//  1. /start or /suggestions → discard any session, enter that flow
//  2. /help → end any session, send help
//  3. Cancel or /cancel → end the session, acknowledge
//  4. other slash command → end any session, send notice
//  5. no session → hint for photos, ignore text
//  6. otherwise → current state's step
func (e *Engine) Handle(ctx context.Context, msg InboundMessage) {
	key := msg.Identity()
	sess, active := e.sessions.Get(key)

	cmd := CmdNone
	var name string
	if msg.Photo == nil {
		cmd, name = classify(msg.Text)
	}

	switch cmd {
	case CmdStartIssue:
		fmt.Fprintf(e.out, "telegraph: engine: %s → start issue\n", key)
		e.sessions.Delete(key)
		e.reply(ctx, msg, OutboundMessage{Text: FAQText})
		e.sessions.Put(newIssueSession(key))
		e.reply(ctx, msg, OutboundMessage{Text: msgIssuePage, Keyboard: e.catalog.PageKeyboard()})

	case CmdStartSuggestion:
		fmt.Fprintf(e.out, "telegraph: engine: %s → start suggestion\n", key)
		e.sessions.Delete(key)
		e.sessions.Put(newSuggestionSession(key))
		e.reply(ctx, msg, OutboundMessage{Text: msgSuggestionPage, Keyboard: e.catalog.PageKeyboard()})

	case CmdHelp:
		fmt.Fprintf(e.out, "telegraph: engine: %s → help\n", key)
		e.sessions.Delete(key)
		e.reply(ctx, msg, OutboundMessage{Text: HelpText, RemoveKeyboard: active})

	case CmdCancel:
		if !active {
			fmt.Fprintf(e.out, "telegraph: engine: %s → ignore cancel (no session)\n", key)
			return
		}
		fmt.Fprintf(e.out, "telegraph: engine: %s → cancel %s at %s\n", key, sess.Flow, sess.State)
		e.sessions.Delete(key)
		text := msgIssueCancelled
		if sess.Flow == FlowSuggestion {
			text = msgSuggestionCancelled
		}
		e.reply(ctx, msg, OutboundMessage{Text: text, RemoveKeyboard: true})

	case CmdUnknown:
		fmt.Fprintf(e.out, "telegraph: engine: %s → unknown command /%s\n", key, name)
		e.sessions.Delete(key)
		e.reply(ctx, msg, OutboundMessage{Text: msgUnknownCommand, RemoveKeyboard: true})

	default:
		if !active {
			if msg.Photo != nil {
				fmt.Fprintf(e.out, "telegraph: engine: %s → photo outside a session\n", key)
				e.reply(ctx, msg, OutboundMessage{Text: msgUnexpectedPhoto})
				return
			}
			fmt.Fprintf(e.out, "telegraph: engine: %s → ignore (no session)\n", key)
			return
		}
		fmt.Fprintf(e.out, "telegraph: engine: %s → %s step %s\n", key, sess.Flow, sess.State)
		e.step(ctx, sess, msg)
	}
}

// step runs the current state's step function.
func (e *Engine) step(ctx context.Context, sess *Session, msg InboundMessage) {
	text := strings.TrimSpace(msg.Text)
	switch sess.State {
	case StateAwaitingPage:
		e.stepPage(ctx, sess, msg, text)
	case StateAwaitingDescription:
		e.stepDescription(ctx, sess, msg, text)
	case StateAwaitingScreenshot:
		e.stepScreenshot(ctx, sess, msg, text)
	case StateAwaitingAdditionalInfo:
		e.stepAdditionalInfo(ctx, sess, msg, text)
	case StateAwaitingSection:
		e.stepSection(ctx, sess, msg, text)
	case StateAwaitingText:
		e.stepSuggestionText(ctx, sess, msg, text)
	default:
		log.Printf("telegraph: engine: %s: unexpected state %d; dropping session", sess.Key, sess.State)
		e.sessions.Delete(sess.Key)
	}
}

func (e *Engine) stepPage(ctx context.Context, sess *Session, msg InboundMessage, text string) {
	if text == "" {
		prompt := msgIssuePage
		if sess.Flow == FlowSuggestion {
			prompt = msgSuggestionPage
		}
		e.reply(ctx, msg, OutboundMessage{Text: prompt, Keyboard: e.catalog.PageKeyboard()})
		return
	}

	if sess.Flow == FlowIssue {
		sess.Issue.Page = text
		sess.State = StateAwaitingDescription
		e.sessions.Put(sess)
		e.reply(ctx, msg, OutboundMessage{Text: fmt.Sprintf(msgIssueDescription, text), RemoveKeyboard: true})
		return
	}

	sess.Suggestion.Page = text
	if e.catalog.Sections(text) != nil {
		sess.State = StateAwaitingSection
		e.sessions.Put(sess)
		e.reply(ctx, msg, OutboundMessage{
			Text:     fmt.Sprintf(msgSuggestionSection, text),
			Keyboard: e.catalog.SectionKeyboard(text),
		})
		return
	}
	sess.State = StateAwaitingText
	e.sessions.Put(sess)
	e.reply(ctx, msg, OutboundMessage{Text: msgSuggestionText, Keyboard: [][]string{{cancelToken}}})
}

func (e *Engine) stepDescription(ctx context.Context, sess *Session, msg InboundMessage, text string) {
	if utf8.RuneCountInString(text) < minDescriptionLen {
		e.reply(ctx, msg, OutboundMessage{Text: msgDescriptionShort})
		return
	}
	if !e.resolveProfile(ctx, sess, msg) {
		return
	}
	sess.Issue.Description = text
	sess.State = StateAwaitingScreenshot
	e.sessions.Put(sess)
	e.reply(ctx, msg, OutboundMessage{Text: msgScreenshot, Keyboard: [][]string{{"No", cancelToken}}})
}

func (e *Engine) stepScreenshot(ctx context.Context, sess *Session, msg InboundMessage, text string) {
	switch {
	case msg.Photo != nil:
		data, err := e.download(ctx, *msg.Photo)
		if err != nil {
			log.Printf("telegraph: engine: %s: download screenshot: %v", sess.Key, err)
			e.reply(ctx, msg, OutboundMessage{Text: msgScreenshotFailed, Keyboard: [][]string{{"No", cancelToken}}})
			return
		}
		sess.Issue.Screenshot = &ticket.Screenshot{
			FileName: fmt.Sprintf("%s_%s.jpg", msg.UserID, uuid.NewString()),
			Data:     base64.StdEncoding.EncodeToString(data),
		}
		fmt.Fprintf(e.out, "telegraph: engine: %s: screenshot received (%d bytes)\n", sess.Key, len(data))
	case strings.EqualFold(text, skipToken):
		sess.Issue.Screenshot = nil
	default:
		e.reply(ctx, msg, OutboundMessage{Text: msgScreenshotRetry, Keyboard: [][]string{{"No", cancelToken}}})
		return
	}
	sess.State = StateAwaitingAdditionalInfo
	e.sessions.Put(sess)
	e.reply(ctx, msg, OutboundMessage{Text: msgAdditionalInfo, RemoveKeyboard: true})
}

func (e *Engine) stepAdditionalInfo(ctx context.Context, sess *Session, msg InboundMessage, text string) {
	if text == "" {
		e.reply(ctx, msg, OutboundMessage{Text: msgAdditionalInfo})
		return
	}
	if !e.resolveProfile(ctx, sess, msg) {
		return
	}
	t, err := e.repo.Create(ctx, ticket.CreateOpts{
		Profile:        sess.Profile,
		Description:    sess.Issue.Description,
		Page:           sess.Issue.Page,
		AdditionalInfo: &text,
		Screenshot:     sess.Issue.Screenshot,
	})
	if err != nil {
		e.saveFailed(ctx, sess, msg, err)
		return
	}

	e.sessions.Delete(sess.Key)
	fmt.Fprintf(e.out, "telegraph: engine: %s → ticket #%s created\n", sess.Key, t.Token)
	e.reply(ctx, msg, OutboundMessage{Text: fmt.Sprintf(msgIssueConfirmed, t.Token)})
	e.notifier.NotifyIssue(ctx, SenderFrom(msg), t)
}

func (e *Engine) stepSection(ctx context.Context, sess *Session, msg InboundMessage, text string) {
	if text == "" {
		page := sess.Suggestion.Page
		e.reply(ctx, msg, OutboundMessage{
			Text:     fmt.Sprintf(msgSuggestionSection, page),
			Keyboard: e.catalog.SectionKeyboard(page),
		})
		return
	}
	sess.Suggestion.Section = &text
	sess.State = StateAwaitingText
	e.sessions.Put(sess)
	e.reply(ctx, msg, OutboundMessage{Text: msgSuggestionText, Keyboard: [][]string{{cancelToken}}})
}

func (e *Engine) stepSuggestionText(ctx context.Context, sess *Session, msg InboundMessage, text string) {
	if text == "" {
		e.reply(ctx, msg, OutboundMessage{Text: msgSuggestionText, Keyboard: [][]string{{cancelToken}}})
		return
	}
	sess.Suggestion.Text = text
	if !e.resolveProfile(ctx, sess, msg) {
		return
	}
	opts := ticket.CreateOpts{
		Profile:      sess.Profile,
		Description:  sess.Suggestion.Text,
		Page:         sess.Suggestion.Page,
		IsSuggestion: true,
	}
	if sess.Suggestion.Section != nil {
		opts.Section = *sess.Suggestion.Section
	}
	t, err := e.repo.Create(ctx, opts)
	if err != nil {
		e.saveFailed(ctx, sess, msg, err)
		return
	}

	e.sessions.Delete(sess.Key)
	fmt.Fprintf(e.out, "telegraph: engine: %s → suggestion #%s created\n", sess.Key, t.Token)

	art := e.renderReport(t, sess.Profile)
	if art != nil {
		defer func() {
			if err := art.Close(); err != nil {
				log.Printf("telegraph: engine: %v", err)
			}
		}()
	}
	e.reply(ctx, msg, OutboundMessage{Text: msgSuggestionThanks, RemoveKeyboard: true})
	e.notifier.NotifySuggestion(ctx, SenderFrom(msg), t, art)
}

// renderReport builds the suggestion spreadsheet. A failure is logged and
// the suggestion is relayed without it.
func (e *Engine) renderReport(t *models.Ticket, p *models.UserProfile) *report.Artifact {
	if e.reports == nil {
		return nil
	}
	art, err := e.reports.Render(report.SuggestionFileName(t), report.SuggestionRow(t, p))
	if err != nil {
		log.Printf("telegraph: engine: suggestion #%s: %v", t.Token, err)
		return nil
	}
	return art
}

// resolveProfile loads or creates the sender's profile once per session. On
// failure the user is asked to retry and false is returned.
func (e *Engine) resolveProfile(ctx context.Context, sess *Session, msg InboundMessage) bool {
	if sess.Profile != nil {
		return true
	}
	p, err := e.repo.GetOrCreateProfile(ctx, msg.Identity(), ticket.ProfileDefaults{
		Username:  msg.UserName,
		FirstName: msg.FirstName,
		LastName:  msg.LastName,
	})
	if err != nil {
		e.saveFailed(ctx, sess, msg, err)
		return false
	}
	sess.Profile = p
	return true
}

// saveFailed reports a persistence failure. The session keeps its state and
// answers so the user can resend the last message.
func (e *Engine) saveFailed(ctx context.Context, sess *Session, msg InboundMessage, err error) {
	log.Printf("telegraph: engine: %s: save at %s: %v", sess.Key, sess.State, err)
	e.sessions.Put(sess)
	e.reply(ctx, msg, OutboundMessage{Text: msgSaveFailed})
}

func (e *Engine) download(ctx context.Context, ref FileRef) ([]byte, error) {
	if e.downloadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.downloadTimeout)
		defer cancel()
	}
	return e.adapter.Download(ctx, ref)
}

// reply sends out to the chat msg arrived in. Failures are logged.
func (e *Engine) reply(ctx context.Context, msg InboundMessage, out OutboundMessage) {
	out.ChannelID = msg.ChannelID
	res := withTimeout(ctx, e.sendTimeout, func(ctx context.Context) SendResult {
		return e.adapter.Send(ctx, out)
	})
	if !res.OK() {
		log.Printf("telegraph: engine: reply to %s: %s", msg.Identity(), res)
	}
}
