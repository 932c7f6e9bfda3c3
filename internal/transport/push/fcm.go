package push

import (
	"context"
	"fmt"
	"strings"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"notifyd/internal/domain"
	logx "notifyd/pkg/logx"
)

type FCMConfig struct {
	ProjectID       string
	CredentialsFile string
	Timeout         time.Duration
	Android         Android
}

// messagingClient is the part of *messaging.Client we use.
type messagingClient interface {
	Send(ctx context.Context, m *messaging.Message) (string, error)
}

// FCMSender sends through Firebase Cloud Messaging.
type FCMSender struct {
	client  messagingClient
	timeout time.Duration
	android Android
	log     logx.Logger
}

// NewFCM initializes the Firebase app and messaging client. Credentials
// come from the file when set, else from Application Default Credentials.
func NewFCM(ctx context.Context, cfg FCMConfig, log logx.Logger) (*FCMSender, error) {
	var opts []option.ClientOption
	if p := strings.TrimSpace(cfg.CredentialsFile); p != "" {
		opts = append(opts, option.WithCredentialsFile(p))
	}
	return newFCM(ctx, cfg, log, opts...)
}

func newFCM(ctx context.Context, cfg FCMConfig, log logx.Logger, opts ...option.ClientOption) (*FCMSender, error) {
	var fbCfg *firebase.Config
	if id := strings.TrimSpace(cfg.ProjectID); id != "" {
		fbCfg = &firebase.Config{ProjectID: id}
	}
	app, err := firebase.NewApp(ctx, fbCfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase messaging: %w", err)
	}
	return newFCMSender(client, cfg, log), nil
}

func newFCMSender(client messagingClient, cfg FCMConfig, log logx.Logger) *FCMSender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &FCMSender{
		client:  client,
		timeout: cfg.Timeout,
		android: cfg.Android,
		log:     log.With(logx.String("comp", "push.fcm")),
	}
}

func (s *FCMSender) Send(ctx context.Context, msg domain.Message) (string, error) {
	m, err := BuildFCMMessage(msg, s.android)
	if err != nil {
		return "", err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	id, err := s.client.Send(cctx, m)
	if err != nil {
		return "", classify(msg.Target, err)
	}
	return id, nil
}

// classify maps provider errors for device tokens that will never work
// again onto domain.ErrInvalidTarget. INVALID_ARGUMENT also covers bad
// payloads, so it only counts when the provider blames the token.
func classify(t domain.Target, err error) error {
	if t.Kind() != domain.TargetDeviceToken {
		return err
	}
	if messaging.IsRegistrationTokenNotRegistered(err) ||
		(messaging.IsInvalidArgument(err) && strings.Contains(strings.ToLower(err.Error()), "registration token")) {
		return fmt.Errorf("%w: %v", domain.ErrInvalidTarget, err)
	}
	return err
}

// BuildFCMMessage renders a domain message as an FCM message.
func BuildFCMMessage(msg domain.Message, android Android) (*messaging.Message, error) {
	m := &messaging.Message{
		Notification: &messaging.Notification{Title: msg.Title, Body: msg.Body},
		Data:         msg.Data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
			Notification: &messaging.AndroidNotification{
				ChannelID:             android.ChannelID,
				ClickAction:           android.ClickAction,
				Priority:              messaging.PriorityHigh,
				DefaultSound:          true,
				DefaultVibrateTimings: true,
			},
		},
	}
	switch msg.Target.Kind() {
	case domain.TargetDeviceToken:
		m.Token = msg.Target.Value()
	case domain.TargetTopic:
		m.Topic = msg.Target.Value()
	default:
		return nil, fmt.Errorf("push: unsupported target %s", msg.Target.Describe())
	}
	if !msg.Target.Valid() {
		return nil, fmt.Errorf("push: empty target %s", msg.Target.Describe())
	}
	return m, nil
}
