package delivery

import (
	"context"
	"errors"
)

// ErrNotFound is returned by stores when nothing is stored under a key.
var ErrNotFound = errors.New("not found")

// CompletionSignal is the one-shot notifier handed to the interpreter host
// with every request. The host must call Done exactly once when the user
// handler finishes, with the handler error (nil on success).
type CompletionSignal interface {
	Done(err error)
}

// Handles are the two opaque references the interpreter host resolves.
// EntryPoint initializes the host; Handler is the user callback run per message.
type Handles struct {
	EntryPoint string `json:"entryPoint" firestore:"entry_point"`
	Handler    string `json:"handler" firestore:"handler"`
}

// HasHandler reports whether a user handler has been registered.
func (h Handles) HasHandler() bool {
	return h.Handler != ""
}

// HandleStore persists registered handles so they survive process restarts.
type HandleStore interface {
	// SaveEntryPoint records the reference used to initialize the host.
	SaveEntryPoint(ctx context.Context, ref string) error
	// SaveHandler records the user handler reference.
	SaveHandler(ctx context.Context, ref string) error
	// Load returns the current handles; zero Handles if nothing was registered.
	Load(ctx context.Context) (Handles, error)
}

// MessageStore keeps events that carried a notification so the application
// can look them up by message id later.
type MessageStore interface {
	Store(ctx context.Context, event Event) error
	Get(ctx context.Context, messageID string) (*Event, error)
}

// Platform identifies which notifier delivers to a Target.
type Platform string

const (
	PlatformFCM  Platform = "fcm"
	PlatformAPNS Platform = "apns"
	PlatformWeb  Platform = "web"
)

// Target is one device or browser a background handler wants to notify.
type Target struct {
	Platform Platform `json:"platform"`
	// Token is the FCM registration token or APNs device token.
	Token string `json:"token,omitempty"`
	// Endpoint, P256dh and Auth describe a web push subscription. The keys are
	// base64url encoded, as browsers hand them out.
	Endpoint string `json:"endpoint,omitempty"`
	P256dh   string `json:"p256dh,omitempty"`
	Auth     string `json:"auth,omitempty"`
}

// Notice is the notification a background handler asks to surface.
type Notice struct {
	Title string
	Body  string
	Sound string
	Tag   string
	Icon  string
	Data  map[string]string
}

// Receipt summarises one Notify call. Invalid lists targets the platform
// reported as permanently dead.
type Receipt struct {
	Sent    int
	Failed  int
	Invalid []Target
}

// Notifier delivers a Notice to a batch of targets on a single platform.
type Notifier interface {
	Notify(ctx context.Context, targets []Target, notice Notice) (Receipt, error)
}
