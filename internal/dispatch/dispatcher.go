// Package dispatch routes platform envelopes to the capture pipeline and the live
// browsers, and publishes the rendered replies.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/du-cki/Kana/internal/browse"
	"github.com/du-cki/Kana/internal/capture"
	"github.com/du-cki/Kana/internal/history"
	"github.com/du-cki/Kana/internal/interactive"
	"github.com/du-cki/Kana/internal/platform"
	"go.uber.org/zap"
)

const (
	buttonJump = "jump"

	messageNotRequester  = "Only the person who opened this browser can use it."
	messageExpired       = "This browser has expired. Run the command again."
	messageUnknown       = "This browser is no longer available."
	messageInvalidTarget = "That is not a valid user."
	messageFailure       = "Something went wrong while loading the history."
)

var (
	errMissingCapturer  = errors.New("dispatch: capturer is required")
	errMissingBrowser   = errors.New("dispatch: browser registry is required")
	errMissingPublisher = errors.New("dispatch: publisher is required")
)

// Capturer is the capture surface the dispatcher drives.
type Capturer interface {
	CaptureAvatar(ctx context.Context, userID history.UserID, assetURL string, changedAt time.Time) (capture.Outcome, error)
	CaptureName(ctx context.Context, userID history.UserID, oldName, newName string, changedAt time.Time) (bool, error)
	CaptureSnapshot(ctx context.Context, members []platform.Member, observedAt time.Time) capture.SnapshotReport
}

// Browser is the live browser surface the dispatcher drives.
type Browser interface {
	Open(ctx context.Context, requester, target history.UserID) (interactive.View, error)
	Press(ctx context.Context, sessionID string, actor history.UserID, action interactive.Action) (interactive.View, error)
	Jump(ctx context.Context, sessionID string, actor history.UserID, input string) (interactive.View, error)
}

// Config describes a Dispatcher.
type Config struct {
	Capturer       Capturer
	Browser        Browser
	Publisher      platform.Publisher
	RepliesChannel string
	Logger         *zap.Logger
}

// Dispatcher consumes envelopes and handles each one in its own goroutine.
type Dispatcher struct {
	capturer       Capturer
	browser        Browser
	publisher      platform.Publisher
	repliesChannel string
	logger         *zap.Logger
	inflight       sync.WaitGroup
}

// New validates configuration and returns a Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Capturer == nil {
		return nil, errMissingCapturer
	}
	if cfg.Browser == nil {
		return nil, errMissingBrowser
	}
	if cfg.Publisher == nil {
		return nil, errMissingPublisher
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		capturer:       cfg.Capturer,
		browser:        cfg.Browser,
		publisher:      cfg.Publisher,
		repliesChannel: cfg.RepliesChannel,
		logger:         logger,
	}, nil
}

// Run handles envelopes until ctx ends or events closes, then waits for in-flight work.
func (d *Dispatcher) Run(ctx context.Context, events <-chan platform.Envelope) error {
	defer d.inflight.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case envelope, ok := <-events:
			if !ok {
				return nil
			}
			d.inflight.Add(1)
			go func() {
				defer d.inflight.Done()
				d.Handle(ctx, envelope)
			}()
		}
	}
}

// Handle routes a single envelope. Failures are logged; they never stop the loop.
func (d *Dispatcher) Handle(ctx context.Context, envelope platform.Envelope) {
	var err error
	switch envelope.Type {
	case platform.EventMemberSnapshot:
		err = d.handleSnapshot(ctx, envelope)
	case platform.EventAvatarChanged:
		err = d.handleAvatarChanged(ctx, envelope)
	case platform.EventNameChanged:
		err = d.handleNameChanged(ctx, envelope)
	case platform.EventAvatarHistoryCommand:
		err = d.handleCommand(ctx, envelope)
	case platform.EventBrowserInteraction:
		err = d.handleInteraction(ctx, envelope)
	default:
		d.logger.Warn("ignoring unknown envelope", zap.String("type", envelope.Type))
		return
	}
	if err != nil {
		d.logger.Error("envelope handling failed", zap.String("type", envelope.Type), zap.Error(err))
	}
}

// PublishExpired renders a timed-out browser with its controls disabled.
func (d *Dispatcher) PublishExpired(view interactive.View) {
	reply := RenderView(view)
	if err := d.publish(context.Background(), reply); err != nil {
		d.logger.Warn("failed to publish expired browser", zap.String("session_id", view.SessionID), zap.Error(err))
	}
}

func (d *Dispatcher) handleSnapshot(ctx context.Context, envelope platform.Envelope) error {
	var snapshot platform.MemberSnapshot
	if err := envelope.Decode(&snapshot); err != nil {
		return err
	}
	report := d.capturer.CaptureSnapshot(ctx, snapshot.Members, snapshot.ObservedAt)
	d.logger.Info("guild snapshot processed",
		zap.String("guild_id", snapshot.GuildID),
		zap.Int("inserted", report.Inserted),
		zap.Int("failed", report.Failed))
	return nil
}

func (d *Dispatcher) handleAvatarChanged(ctx context.Context, envelope platform.Envelope) error {
	var event platform.AvatarChanged
	if err := envelope.Decode(&event); err != nil {
		return err
	}
	userID, err := history.NewUserID(event.UserID)
	if err != nil {
		return err
	}
	_, err = d.capturer.CaptureAvatar(ctx, userID, event.AvatarURL, event.ChangedAt)
	return err
}

func (d *Dispatcher) handleNameChanged(ctx context.Context, envelope platform.Envelope) error {
	var event platform.NameChanged
	if err := envelope.Decode(&event); err != nil {
		return err
	}
	userID, err := history.NewUserID(event.UserID)
	if err != nil {
		return err
	}
	_, err = d.capturer.CaptureName(ctx, userID, event.OldName, event.NewName, event.ChangedAt)
	return err
}

func (d *Dispatcher) handleCommand(ctx context.Context, envelope platform.Envelope) error {
	var command platform.HistoryCommand
	if err := envelope.Decode(&command); err != nil {
		return err
	}
	requester, requesterErr := history.NewUserID(command.RequesterID)
	target, targetErr := history.NewUserID(command.TargetID)
	if requesterErr != nil || targetErr != nil {
		return d.publish(ctx, ephemeral(command.InteractionID, messageInvalidTarget))
	}

	view, err := d.browser.Open(ctx, requester, target)
	if err != nil {
		if errors.Is(err, browse.ErrNoHistory) {
			return d.publish(ctx, ephemeral(command.InteractionID, fmt.Sprintf("No avatar history recorded for <@%s>.", target)))
		}
		publishErr := d.publish(ctx, ephemeral(command.InteractionID, messageFailure))
		return errors.Join(err, publishErr)
	}
	reply := RenderView(view)
	reply.InteractionID = command.InteractionID
	return d.publish(ctx, reply)
}

func (d *Dispatcher) handleInteraction(ctx context.Context, envelope platform.Envelope) error {
	var interaction platform.BrowserInteraction
	if err := envelope.Decode(&interaction); err != nil {
		return err
	}
	actor, err := history.NewUserID(interaction.ActorID)
	if err != nil {
		return d.publish(ctx, ephemeral(interaction.InteractionID, messageNotRequester))
	}

	var view interactive.View
	if interaction.Action == buttonJump {
		view, err = d.browser.Jump(ctx, interaction.SessionID, actor, interaction.Input)
	} else {
		view, err = d.browser.Press(ctx, interaction.SessionID, actor, interactive.Action(interaction.Action))
	}
	if err != nil {
		message, known := interactionMessage(err)
		publishErr := d.publish(ctx, ephemeral(interaction.InteractionID, message))
		if known {
			return publishErr
		}
		return errors.Join(err, publishErr)
	}
	reply := RenderView(view)
	reply.InteractionID = interaction.InteractionID
	return d.publish(ctx, reply)
}

func interactionMessage(err error) (string, bool) {
	var rangeErr *browse.RangeError
	switch {
	case errors.As(err, &rangeErr):
		return fmt.Sprintf("Invalid page number, choose a page between %d and %d.", rangeErr.Min, rangeErr.Max), true
	case errors.Is(err, interactive.ErrNotRequester):
		return messageNotRequester, true
	case errors.Is(err, interactive.ErrSessionExpired):
		return messageExpired, true
	case errors.Is(err, interactive.ErrUnknownSession), errors.Is(err, interactive.ErrUnknownAction):
		return messageUnknown, true
	default:
		return messageFailure, false
	}
}

func (d *Dispatcher) publish(ctx context.Context, reply platform.Reply) error {
	envelope, err := platform.NewEnvelope(platform.EventReply, reply)
	if err != nil {
		return err
	}
	return d.publisher.Publish(ctx, d.repliesChannel, envelope)
}

func ephemeral(interactionID, content string) platform.Reply {
	return platform.Reply{InteractionID: interactionID, Ephemeral: true, Content: content}
}

// RenderView turns a browser view into a platform reply.
func RenderView(view interactive.View) platform.Reply {
	controls := view.Controls
	return platform.Reply{
		SessionID: view.SessionID,
		Embed: &platform.Embed{
			Title:     fmt.Sprintf("Avatar history for %s", view.TargetID),
			ImageURL:  view.ImageURL,
			Timestamp: view.ChangedAt,
		},
		Buttons: []platform.Button{
			{ID: string(interactive.ActionFirst), Label: "<<", Disabled: controls.FirstDisabled},
			{ID: string(interactive.ActionPrev), Label: "<", Disabled: controls.PrevDisabled},
			{ID: buttonJump, Label: controls.Label, Disabled: view.Expired},
			{ID: string(interactive.ActionNext), Label: ">", Disabled: controls.NextDisabled},
			{ID: string(interactive.ActionLast), Label: ">>", Disabled: controls.LastDisabled},
		},
	}
}
