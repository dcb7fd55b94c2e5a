package logging

import (
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// AUDIT EVENT TYPES
// =============================================================================

// AuditEventType defines the type of audit event.
type AuditEventType string

const (
	AuditSessionStart    AuditEventType = "session_start"
	AuditSessionEnd      AuditEventType = "session_end"
	AuditSessionExpired  AuditEventType = "session_expired"
	AuditOwnershipDenied AuditEventType = "ownership_denied"
	AuditPolicyBlock     AuditEventType = "policy_block"
	AuditActionExecute   AuditEventType = "action_execute"
	AuditDialogAccepted  AuditEventType = "dialog_accepted"
	AuditViewerJoin      AuditEventType = "viewer_join"
	AuditViewerLeave     AuditEventType = "viewer_leave"
	AuditProfileSave     AuditEventType = "profile_save"
	AuditProfileLoad     AuditEventType = "profile_load"
	AuditCDPConnect      AuditEventType = "cdp_connect"
	AuditCDPDisconnect   AuditEventType = "cdp_disconnect"
)

// AuditEvent is one structured audit entry.
type AuditEvent struct {
	EventType  AuditEventType
	SessionID  string
	Owner      string
	Target     string
	Action     string
	Success    bool
	DurationMs int64
	Error      string
	Fields     map[string]interface{}
}

// AuditLogger writes audit events scoped to an optional session.
type AuditLogger struct {
	sessionID string
	owner     string
}

// Audit returns an unscoped audit logger.
func Audit() *AuditLogger {
	return &AuditLogger{}
}

// AuditWithSession creates an audit logger scoped to a session.
func AuditWithSession(sessionID, owner string) *AuditLogger {
	return &AuditLogger{sessionID: sessionID, owner: owner}
}

// Log writes an audit event.
func (a *AuditLogger) Log(event AuditEvent) {
	if event.SessionID == "" {
		event.SessionID = a.sessionID
	}
	if event.Owner == "" {
		event.Owner = a.owner
	}

	fields := []zap.Field{
		zap.String("event", string(event.EventType)),
		zap.Time("at", time.Now()),
		zap.Bool("success", event.Success),
	}
	if event.SessionID != "" {
		fields = append(fields, zap.String("session", event.SessionID))
	}
	if event.Owner != "" {
		fields = append(fields, zap.String("owner", event.Owner))
	}
	if event.Target != "" {
		fields = append(fields, zap.String("target", event.Target))
	}
	if event.Action != "" {
		fields = append(fields, zap.String("action", event.Action))
	}
	if event.DurationMs > 0 {
		fields = append(fields, zap.Int64("dur_ms", event.DurationMs))
	}
	if event.Error != "" {
		fields = append(fields, zap.String("error", event.Error))
	}
	for k, v := range event.Fields {
		fields = append(fields, zap.Any(k, v))
	}
	Zap(CategoryAudit).Info("audit", fields...)
}

// SessionStart records a created or attached session.
func (a *AuditLogger) SessionStart(kind string) {
	a.Log(AuditEvent{EventType: AuditSessionStart, Action: kind, Success: true})
}

// SessionEnd records a closed session.
func (a *AuditLogger) SessionEnd(reason string, lifetime time.Duration) {
	a.Log(AuditEvent{EventType: AuditSessionEnd, Action: reason, Success: true, DurationMs: lifetime.Milliseconds()})
}

// OwnershipDenied records a caller that does not own the session.
func (a *AuditLogger) OwnershipDenied(caller string) {
	a.Log(AuditEvent{EventType: AuditOwnershipDenied, Target: caller})
}

// PolicyBlock records a navigation or connection refused by policy.
func (a *AuditLogger) PolicyBlock(target, reason string) {
	a.Log(AuditEvent{EventType: AuditPolicyBlock, Target: target, Error: reason})
}

// ActionExecute records one dispatched action.
func (a *AuditLogger) ActionExecute(action string, d time.Duration, success bool, errMsg string) {
	a.Log(AuditEvent{EventType: AuditActionExecute, Action: action, DurationMs: d.Milliseconds(), Success: success, Error: errMsg})
}

// CDPConnect records an attach to an external browser.
func (a *AuditLogger) CDPConnect(mode, host string, success bool, errMsg string) {
	a.Log(AuditEvent{EventType: AuditCDPConnect, Action: mode, Target: host, Success: success, Error: errMsg})
}

// CDPDisconnect records the end of an external connection.
func (a *AuditLogger) CDPDisconnect(mode, host string, lifetime time.Duration) {
	a.Log(AuditEvent{EventType: AuditCDPDisconnect, Action: mode, Target: host, Success: true, DurationMs: lifetime.Milliseconds()})
}

// ViewerJoin records a live-view connection.
func (a *AuditLogger) ViewerJoin(viewerID, remote string) {
	a.Log(AuditEvent{EventType: AuditViewerJoin, Target: remote, Action: viewerID, Success: true})
}

// ViewerLeave records the end of a live-view connection.
func (a *AuditLogger) ViewerLeave(viewerID, reason string, d time.Duration) {
	a.Log(AuditEvent{EventType: AuditViewerLeave, Action: viewerID, Error: reason, Success: true, DurationMs: d.Milliseconds()})
}

// ProfileSave records a storage profile written for an owner.
func (a *AuditLogger) ProfileSave(profileID string, size int, success bool, errMsg string) {
	a.Log(AuditEvent{EventType: AuditProfileSave, Target: profileID, Success: success, Error: errMsg, Fields: map[string]interface{}{"bytes": size}})
}

// ProfileLoad records a storage profile applied to a session.
func (a *AuditLogger) ProfileLoad(profileID string, success bool, errMsg string) {
	a.Log(AuditEvent{EventType: AuditProfileLoad, Target: profileID, Success: success, Error: errMsg})
}
