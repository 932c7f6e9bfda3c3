package push

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"firebase.google.com/go/v4/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"notifyd/internal/domain"
	logx "notifyd/pkg/logx"
)

type fakeClient struct {
	got []*messaging.Message
	err error
}

func (f *fakeClient) Send(_ context.Context, m *messaging.Message) (string, error) {
	f.got = append(f.got, m)
	if f.err != nil {
		return "", f.err
	}
	return "projects/p/messages/1", nil
}

var testAndroid = Android{ChannelID: "unifyu_notifications", ClickAction: "FLUTTER_NOTIFICATION_CLICK"}

func TestBuildFCMMessageToken(t *testing.T) {
	m, err := BuildFCMMessage(domain.Message{
		Title:  "Exam Reminder",
		Body:   "Midterm tomorrow",
		Data:   map[string]string{"type": "reminder"},
		Target: domain.DeviceToken("tok123"),
	}, testAndroid)
	require.NoError(t, err)

	assert.Equal(t, "tok123", m.Token)
	assert.Empty(t, m.Topic)
	assert.Equal(t, "Exam Reminder", m.Notification.Title)
	assert.Equal(t, "Midterm tomorrow", m.Notification.Body)
	assert.Equal(t, "high", m.Android.Priority)
	assert.Equal(t, "unifyu_notifications", m.Android.Notification.ChannelID)
	assert.Equal(t, "FLUTTER_NOTIFICATION_CLICK", m.Android.Notification.ClickAction)
	assert.True(t, m.Android.Notification.DefaultSound)
	assert.True(t, m.Android.Notification.DefaultVibrateTimings)
}

func TestBuildFCMMessageTopic(t *testing.T) {
	m, err := BuildFCMMessage(domain.Message{Title: "t", Target: domain.Topic("all_users")}, testAndroid)
	require.NoError(t, err)
	assert.Equal(t, "all_users", m.Topic)
	assert.Empty(t, m.Token)
}

func TestBuildFCMMessageRejectsBroadcastAndEmpty(t *testing.T) {
	_, err := BuildFCMMessage(domain.Message{Target: domain.Broadcast()}, testAndroid)
	assert.Error(t, err)

	_, err = BuildFCMMessage(domain.Message{Target: domain.DeviceToken("")}, testAndroid)
	assert.Error(t, err)
}

func TestFCMSenderSendsOnce(t *testing.T) {
	fc := &fakeClient{}
	s := newFCMSender(fc, FCMConfig{Android: testAndroid}, logx.Nop())

	id, err := s.Send(context.Background(), domain.Message{Title: "x", Target: domain.Topic("club_1")})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	require.Len(t, fc.got, 1)
	assert.Equal(t, "club_1", fc.got[0].Topic)
}

func TestFCMSenderGenericErrorIsNotInvalidTarget(t *testing.T) {
	fc := &fakeClient{err: errors.New("unavailable")}
	s := newFCMSender(fc, FCMConfig{}, logx.Nop())

	_, err := s.Send(context.Background(), domain.Message{Target: domain.DeviceToken("tok")})
	require.Error(t, err)
	assert.False(t, errors.Is(err, domain.ErrInvalidTarget))
}

// redirect sends every request to the test server, whatever host the
// messaging client targets.
type redirect struct{ to *url.URL }

func (r redirect) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	out.URL.Scheme = r.to.Scheme
	out.URL.Host = r.to.Host
	out.Host = r.to.Host
	return http.DefaultTransport.RoundTrip(out)
}

type fcmServer struct {
	mu     sync.Mutex
	status int
	body   string
	paths  []string
}

func (f *fcmServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_, _ = io.Copy(io.Discard, r.Body)
	f.mu.Lock()
	f.paths = append(f.paths, r.URL.Path)
	status, body := f.status, f.body
	f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func newTestFCM(t *testing.T, srv *fcmServer) *FCMSender {
	t.Helper()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	to, err := url.Parse(ts.URL)
	require.NoError(t, err)

	s, err := newFCM(context.Background(), FCMConfig{ProjectID: "notifyd-test", Timeout: 5 * time.Second, Android: testAndroid}, logx.Nop(),
		option.WithHTTPClient(&http.Client{Transport: redirect{to: to}}),
		option.WithoutAuthentication(),
	)
	require.NoError(t, err)
	return s
}

func fcmError(code int, status, errorCode, message string) string {
	return fmt.Sprintf(`{"error":{"code":%d,"message":%q,"status":%q,"details":[{"@type":"type.googleapis.com/google.firebase.fcm.v1.FcmError","errorCode":%q}]}}`,
		code, message, status, errorCode)
}

func TestFCMSenderProviderErrors(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		body    string
		target  domain.Target
		invalid bool
	}{
		{
			name:    "unregistered token",
			status:  http.StatusNotFound,
			body:    fcmError(404, "NOT_FOUND", "UNREGISTERED", "Requested entity was not found."),
			target:  domain.DeviceToken("tok123"),
			invalid: true,
		},
		{
			name:    "malformed token",
			status:  http.StatusBadRequest,
			body:    fcmError(400, "INVALID_ARGUMENT", "INVALID_ARGUMENT", "The registration token is not a valid FCM registration token"),
			target:  domain.DeviceToken("not-a-token"),
			invalid: true,
		},
		{
			name:   "oversized payload",
			status: http.StatusBadRequest,
			body:   fcmError(400, "INVALID_ARGUMENT", "INVALID_ARGUMENT", "Request contains an invalid argument."),
			target: domain.DeviceToken("tok123"),
		},
		{
			name:   "topic not found",
			status: http.StatusNotFound,
			body:   fcmError(404, "NOT_FOUND", "UNREGISTERED", "Requested entity was not found."),
			target: domain.Topic("all_users"),
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := &fcmServer{status: tc.status, body: tc.body}
			s := newTestFCM(t, srv)

			_, err := s.Send(context.Background(), domain.Message{Title: "Exam Reminder", Body: "Midterm tomorrow", Target: tc.target})
			require.Error(t, err)
			assert.Equal(t, tc.invalid, errors.Is(err, domain.ErrInvalidTarget), err.Error())

			srv.mu.Lock()
			defer srv.mu.Unlock()
			require.NotEmpty(t, srv.paths)
			assert.Equal(t, "/v1/projects/notifyd-test/messages:send", srv.paths[0])
		})
	}
}

func TestFCMSenderSendsThroughProvider(t *testing.T) {
	srv := &fcmServer{status: http.StatusOK, body: `{"name":"projects/notifyd-test/messages/42"}`}
	s := newTestFCM(t, srv)

	id, err := s.Send(context.Background(), domain.Message{Title: "Exam Reminder", Target: domain.DeviceToken("tok123")})
	require.NoError(t, err)
	assert.Equal(t, "projects/notifyd-test/messages/42", id)
}
