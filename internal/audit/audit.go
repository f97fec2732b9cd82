// Package audit records security-relevant authentication events.
// Recording is fire-and-forget: gameplay never waits on, or fails
// because of, the audit trail.
package audit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fianchetto/arbiter/internal/models"
	"github.com/fianchetto/arbiter/internal/store"
)

// Event types for audit logging
const (
	EventRegister      = "register"
	EventRegisterFail  = "register_failed"
	EventLoginSuccess  = "login_success"
	EventLoginFailed   = "login_failed"
	EventTokenLogin    = "token_login"
	EventOAuthLogin    = "oauth_login"
	EventSessionReaped = "session_reaped"
)

type Recorder struct {
	store store.Store
	log   *zap.Logger
}

func NewRecorder(st store.Store, logger *zap.Logger) *Recorder {
	return &Recorder{store: st, log: logger}
}

// Record writes one audit row in the background.
func (r *Recorder) Record(event, username string, userID *int64, remoteAddr, detail string) {
	e := models.AuthEvent{
		Event:      event,
		Username:   username,
		UserID:     userID,
		RemoteAddr: remoteAddr,
		Detail:     detail,
		CreatedAt:  time.Now().UTC(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.store.InsertAuthEvent(ctx, e); err != nil {
			r.log.Warn("audit write failed",
				zap.String("event", event),
				zap.String("username", username),
				zap.Error(err))
		}
	}()
}
