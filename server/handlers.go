package server

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/chatgate/chat"
	"github.com/onnwee/chatgate/db"
	"github.com/onnwee/chatgate/eventsub"
	"github.com/onnwee/chatgate/twitchapi"
)

const (
	// Maximum number of OAuth states to keep in memory
	maxOAuthStates = 10000
	oauthStateTTL  = 10 * time.Minute
)

// ChatClient is the part of chat.Client the handlers use.
type ChatClient interface {
	State() chat.State
	Credentials() (chat.Credentials, bool)
	QueueDepth() int
	Sessions() []*eventsub.Session
	SendMessage(text, replyID string) error
	UpdateBotToken(ctx context.Context, token string) error
	UpdateBroadcasterToken(ctx context.Context, token string) error
}

// MessageArchive serves archived chat.
type MessageArchive interface {
	Recent(ctx context.Context, channel string, limit int) ([]db.ArchivedMessage, error)
}

// TokenSaver persists tokens minted by the authorization code flow.
type TokenSaver interface {
	Save(ctx context.Context, provider string, tok db.Token) error
}

// TokenValidator resolves a freshly minted token to its identity.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*twitchapi.Validation, error)
}

// Options wire the handlers to the rest of the service. Only Chat and Hub are
// required.
type Options struct {
	Chat    ChatClient
	Hub     *Hub
	Archive MessageArchive
	Tokens  TokenSaver
	DB      *sql.DB

	OAuth     *oauth2.Config
	Validator TokenValidator

	Auth              AuthConfig
	CORS              CORSConfig
	SendRatePerMinute int
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	opts       Options
	stateStore map[string]oauthState
	stateMu    sync.Mutex
}

type oauthState struct {
	provider string
	expiry   time.Time
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(opts Options) *Handlers {
	if opts.Hub == nil {
		opts.Hub = NewHub()
	}
	return &Handlers{opts: opts, stateStore: make(map[string]oauthState)}
}

// addOAuthState records state for provider. It refuses new states once the
// store is full of live entries.
func (h *Handlers) addOAuthState(state, provider string) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	if len(h.stateStore) >= maxOAuthStates {
		now := time.Now()
		for s, st := range h.stateStore {
			if now.After(st.expiry) {
				delete(h.stateStore, s)
			}
		}
		if len(h.stateStore) >= maxOAuthStates {
			return false
		}
	}
	h.stateStore[state] = oauthState{provider: provider, expiry: time.Now().Add(oauthStateTTL)}
	return true
}

// takeOAuthState consumes state and returns its provider.
func (h *Handlers) takeOAuthState(state string) (string, bool) {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	st, ok := h.stateStore[state]
	delete(h.stateStore, state)
	if !ok || time.Now().After(st.expiry) {
		return "", false
	}
	return st.provider, true
}
