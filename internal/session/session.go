package session

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"rsql.dev/rsql/internal/catalog"
	"rsql.dev/rsql/internal/engine"
	"rsql.dev/rsql/internal/rsqlerr"
	"rsql.dev/rsql/internal/txn"
)

var sessionLog = log.New(log.Writer(), "[session] ", log.LstdFlags)

// closeAuthFailed is the app-defined WebSocket close code for a failed
// §6.2 username/password check.
const closeAuthFailed = 4401

var nextConnID atomic.Uint64

// Session is one actor bound to a single WebSocket connection: it owns the
// connection's active transaction (implicit or, after BEGIN, explicit) and
// serializes every statement arriving on it, matching §4.11/§5 ("requests
// from a single session are serialized through that session's mailbox").
type Session struct {
	id   uint64
	user string

	conn *websocket.Conn
	eng  *engine.Engine
	txns *txn.Manager

	writeMu sync.Mutex
	tx      *txn.Transaction
}

// Hub tracks every live session so the checkpoint ticker can broadcast its
// synthetic "Checkpoint Success" response to all of them at once (§4.11).
type Hub struct {
	mu       sync.Mutex
	sessions map[uint64]*Session
}

// NewHub constructs an empty session registry.
func NewHub() *Hub { return &Hub{sessions: make(map[uint64]*Session)} }

func (h *Hub) register(s *Session) {
	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()
}

func (h *Hub) unregister(s *Session) {
	h.mu.Lock()
	delete(h.sessions, s.id)
	h.mu.Unlock()
}

// Broadcast sends resp to every currently registered session, skipping one
// whose write fails rather than letting it block the rest.
func (h *Hub) Broadcast(resp Response) {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		r := resp
		r.ConnectionID = s.id
		if err := s.writeResponse(r); err != nil {
			sessionLog.Printf("conn %d: checkpoint broadcast write failed: %v", s.id, err)
		}
	}
}

// NewSession wraps an already-upgraded connection for an authenticated
// user. Each session gets the next connection_id off a process-wide
// counter (§6.2's connection_id is "unique for the process lifetime", not
// persisted across restarts).
func NewSession(conn *websocket.Conn, eng *engine.Engine, txns *txn.Manager, user string) *Session {
	return &Session{
		id:   nextConnID.Add(1),
		user: user,
		conn: conn,
		eng:  eng,
		txns: txns,
	}
}

// Run drives the session's read loop until the connection closes or ctx is
// canceled, registering with hub so checkpoint broadcasts can reach it.
func (s *Session) Run(ctx context.Context, hub *Hub) {
	hub.register(s)
	defer hub.unregister(s)
	defer s.cleanup()

	if err := s.writeResponse(s.envelope(RayonResponse{Error: "Websocket Connection Established"}, 0)); err != nil {
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var req Request
		if err := json.Unmarshal(payload, &req); err != nil {
			_ = s.writeResponse(s.errEnvelope(rsqlerr.Newf(rsqlerr.SyntaxError, "invalid request envelope: %v", err), 0))
			continue
		}
		resp, fatal := s.handleRequest(ctx, &req)
		if err := s.writeResponse(resp); err != nil {
			return
		}
		if fatal {
			return
		}
	}
}

// cleanup rolls back any transaction the session left Active, per §5's
// "closing a WebSocket ... rolls back the session's active transaction
// synchronously".
func (s *Session) cleanup() {
	if s.tx != nil {
		_ = s.txns.CloseSession(s.tx)
	}
	_ = s.conn.Close()
}

// handleRequest splits request_content on ';' and executes each statement
// in order on the session's transaction, aborting the remainder on the
// first error, per §4.11. It reports fatal=true when the error kind also
// closes the session (§7: Fatal "additionally closes the session").
func (s *Session) handleRequest(ctx context.Context, req *Request) (resp Response, fatal bool) {
	start := time.Now()
	stmts := splitStatements(req.RequestContent)

	var uniform []UniformResult
	var raw []any
	var errMsg string

	for _, sqlText := range stmts {
		if strings.TrimSpace(sqlText) == "" {
			continue
		}
		res, err := s.execStatement(ctx, sqlText)
		if err != nil {
			errMsg = err.Error()
			raw = append(raw, err.Error())
			fatal = rsqlerr.KindOf(err).ClosesSession()
			break
		}
		uniform = append(uniform, toUniformResult(res))
		raw = append(raw, res.Message)
	}

	rr := RayonResponse{
		ResponseContent: raw,
		UniformResult:   uniform,
		Error:           errMsg,
		ExecutionTimeMS: time.Since(start).Milliseconds(),
	}
	return s.envelope(rr, 0), fatal
}

// execStatement parses and runs one statement on the session's current
// transaction, opening an implicit one-statement transaction if none is
// active yet (§4.7's "implicit per-statement transaction" default).
func (s *Session) execStatement(ctx context.Context, sqlText string) (*engine.ExecResult, error) {
	parser := engine.NewParser(sqlText)
	stmt, err := parser.ParseStatement()
	if err != nil {
		return nil, rsqlerr.Newf(rsqlerr.SyntaxError, "%v", err)
	}

	if s.tx == nil {
		s.tx = s.txns.Begin(true)
	}

	res, err := engine.Execute(ctx, s.eng, s.tx, s.user, stmt)
	if err != nil {
		if s.tx.State() != txn.StateActive {
			s.tx = nil
		}
		return nil, err
	}

	switch res.Kind {
	case "transaction_commit", "transaction_rollback":
		s.tx = nil
	default:
		if s.tx.IsImplicit() {
			if cerr := s.txns.Commit(s.tx); cerr != nil {
				s.tx = nil
				return nil, cerr
			}
			s.tx = nil
		}
	}
	return res, nil
}

// splitStatements splits SQL text on top-level ';' separators, tracking
// single-quoted string state so a ';' inside a string literal is not
// treated as a statement boundary.
func splitStatements(sql string) []string {
	var out []string
	var cur strings.Builder
	inString := false
	for i := 0; i < len(sql); i++ {
		c := sql[i]
		switch {
		case c == '\'':
			inString = !inString
			cur.WriteByte(c)
		case c == ';' && !inString:
			out = append(out, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	if strings.TrimSpace(cur.String()) != "" {
		out = append(out, cur.String())
	}
	return out
}

func (s *Session) envelope(rr RayonResponse, connIDOverride uint64) Response {
	connID := s.id
	if connIDOverride != 0 {
		connID = connIDOverride
	}
	return Response{
		RayonResponse: rr,
		Timestamp:     time.Now().Unix(),
		Success:       rr.Error == "",
		ConnectionID:  connID,
	}
}

func (s *Session) errEnvelope(err error, connIDOverride uint64) Response {
	return s.envelope(RayonResponse{Error: err.Error()}, connIDOverride)
}

func (s *Session) writeResponse(resp Response) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(resp)
}

// Authenticate verifies user/password against the catalog for the §6.2
// connect-time check; callers close the socket with code 4401 on failure.
func Authenticate(cat *catalog.Catalog, user, password string) error {
	_, err := cat.Authenticate(user, password)
	return err
}

// CloseAuthFailed is the WebSocket close code used on an auth failure.
const CloseAuthFailed = closeAuthFailed
