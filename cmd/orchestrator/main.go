package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"crewroom/internal/auth"
	"crewroom/internal/config"
	"crewroom/internal/domain"
	"crewroom/internal/messaging/inproc"
	"crewroom/internal/orchestrator"
	sqlitestore "crewroom/internal/store/sqlite"
)

type app struct {
	cfg          config.Config
	orchestrator *orchestrator.Service
	bus          *inproc.Bus
	auth         auth.Authorizer
}

func main() {
	configPath := flag.String("config", "", "path to config.toml (default: ~/.crewroom/config.toml)")
	addrFlag := flag.String("addr", "", "http listen address override")
	dbPathFlag := flag.String("db", "", "sqlite database path override")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	addr := firstNonEmpty(*addrFlag, cfg.Orchestrator.Addr, ":8094")
	dbPath := firstNonEmpty(*dbPathFlag, cfg.Orchestrator.DBPath, "data/crewroom.db")
	dbPath = filepath.Clean(dbPath)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		log.Fatalf("create db directory: %v", err)
	}

	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		log.Fatalf("open sqlite store: %v", err)
	}
	defer func() {
		_ = store.Close()
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("migrate sqlite: %v", err)
	}

	bus := inproc.New(256)
	orchCfg := orchestrator.Config{
		SweepInterval: durationMS(cfg.Orchestrator.SweepIntervalMS, 2*time.Minute),
		ReadyTTL:      durationMS(cfg.Orchestrator.ReadyTTLMS, 5*time.Minute),
		PollWindow:    intOrDefault(cfg.Orchestrator.PollWindow, 200),
	}
	orch := orchestrator.New(store, bus, orchCfg, log.Default())
	orch.Start(ctx)

	a := &app{
		cfg:          cfg,
		orchestrator: orch,
		bus:          bus,
	}
	if len(cfg.Auth.Tokens) > 0 {
		authorizer, err := auth.NewStatic(cfg.Auth.Tokens)
		if err != nil {
			log.Fatalf("load auth tokens: %v", err)
		}
		a.auth = authorizer
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/config", a.handleConfig)
	mux.HandleFunc("/chatrooms", a.handleChatrooms)
	mux.HandleFunc("/chatrooms/", a.handleChatroomByID)
	mux.HandleFunc("/tasks/", a.handleTaskByID)

	server := &http.Server{
		Addr:              addr,
		Handler:           loggingMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf("crewroom started addr=%s db=%s auth=%t", addr, dbPath, a.auth != nil)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("http server failed: %v", err)
	}
	orch.Wait()
}

func (a *app) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *app) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"path": a.cfg.Path,
		"raw":  a.cfg.Raw,
	})
}

// resolveRole picks the acting role for a request. With auth configured the
// bearer token decides; without it the caller names its role directly.
func (a *app) resolveRole(r *http.Request, roomID string, fallback string) (string, error) {
	if a.auth == nil {
		if fallback == "" {
			return "", fmt.Errorf("role is required")
		}
		return fallback, nil
	}
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	token = strings.TrimSpace(token)
	if token == "" {
		return "", auth.ErrUnauthenticated
	}
	return a.auth.Authorize(r.Context(), token, roomID)
}

func authStatus(err error) int {
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden
	default:
		return http.StatusBadRequest
	}
}

func (a *app) handleChatrooms(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		rooms, err := a.orchestrator.ListChatrooms(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, rooms)
	case http.MethodPost:
		var req struct {
			ID        string   `json:"id"`
			Roles     []string `json:"roles"`
			EntryRole string   `json:"entry_role"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		room, err := a.orchestrator.CreateChatroom(r.Context(), orchestrator.CreateChatroomInput{
			ID:        req.ID,
			Roles:     req.Roles,
			EntryRole: req.EntryRole,
		})
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, room)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (a *app) handleChatroomByID(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.TrimPrefix(r.URL.Path, "/chatrooms/")
	parts := strings.Split(trimmed, "/")
	roomID := parts[0]
	if roomID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("chatroom id is required"))
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		room, err := a.orchestrator.GetChatroom(r.Context(), roomID)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, room)
		return
	}

	action := parts[1]
	switch action {
	case "join":
		a.handleJoin(w, r, roomID)
	case "heartbeat":
		a.handleHeartbeat(w, r, roomID)
	case "messages":
		a.handleMessages(w, r, roomID)
	case "poll":
		a.handlePoll(w, r, roomID)
	case "claim":
		a.handleClaim(w, r, roomID)
	case "handoff":
		a.handleHandoff(w, r, roomID)
	case "tasks":
		a.handleRoomTasks(w, r, roomID)
	case "participants":
		a.handleParticipants(w, r, roomID)
	case "promote":
		a.handlePromote(w, r, roomID)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown action: %s", action))
	}
}

func (a *app) handleJoin(w http.ResponseWriter, r *http.Request, roomID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Role string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
		return
	}
	role, err := a.resolveRole(r, roomID, req.Role)
	if err != nil {
		writeError(w, authStatus(err), err)
		return
	}
	participant, err := a.orchestrator.Join(r.Context(), roomID, role)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, participant)
}

func (a *app) handleHeartbeat(w http.ResponseWriter, r *http.Request, roomID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	role, err := a.resolveRole(r, roomID, r.URL.Query().Get("role"))
	if err != nil {
		writeError(w, authStatus(err), err)
		return
	}
	if err := a.orchestrator.Heartbeat(r.Context(), roomID, role); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (a *app) handleMessages(w http.ResponseWriter, r *http.Request, roomID string) {
	switch r.Method {
	case http.MethodGet:
		limit := queryInt(r, "limit", 200)
		msgs, err := a.orchestrator.ListRoomMessages(r.Context(), roomID, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, msgs)
	case http.MethodPost:
		var req struct {
			Role            string   `json:"role"`
			Content         string   `json:"content"`
			Type            string   `json:"type"`
			Classification  string   `json:"classification"`
			TargetRole      string   `json:"target_role"`
			TaskID          string   `json:"task_id"`
			AttachedTaskIDs []string `json:"attached_task_ids"`
			Interrupt       bool     `json:"interrupt"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		role, err := a.resolveRole(r, roomID, req.Role)
		if err != nil {
			writeError(w, authStatus(err), err)
			return
		}

		if role == domain.RoleUser {
			msg, task, err := a.orchestrator.PostUserMessage(r.Context(), orchestrator.PostUserMessageInput{
				ChatroomID:     roomID,
				Content:        req.Content,
				Classification: domain.Classification(req.Classification),
				Interrupt:      req.Interrupt,
			})
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{"message": msg, "task": task})
			return
		}

		msg, err := a.orchestrator.PostAgentMessage(r.Context(), orchestrator.PostAgentMessageInput{
			ChatroomID:      roomID,
			Role:            role,
			Content:         req.Content,
			Type:            domain.MessageType(req.Type),
			TargetRole:      req.TargetRole,
			TaskID:          req.TaskID,
			AttachedTaskIDs: req.AttachedTaskIDs,
		})
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, msg)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handlePoll serves the agent inbox. With wait_ms the request long-polls,
// sleeping on the wake bus between routing attempts.
func (a *app) handlePoll(w http.ResponseWriter, r *http.Request, roomID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	role, err := a.resolveRole(r, roomID, r.URL.Query().Get("role"))
	if err != nil {
		writeError(w, authStatus(err), err)
		return
	}
	cursor := queryInt64(r, "cursor", 0)
	wait := time.Duration(queryInt(r, "wait_ms", 0)) * time.Millisecond

	delivery, ok, err := a.orchestrator.Poll(r.Context(), roomID, role, cursor)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok && wait > 0 {
		wake := a.bus.Subscribe(roomID, role)
		deadline := time.NewTimer(wait)
		defer deadline.Stop()
		for !ok {
			select {
			case <-r.Context().Done():
				writeJSON(w, http.StatusOK, map[string]any{"delivery": nil})
				return
			case <-deadline.C:
				writeJSON(w, http.StatusOK, map[string]any{"delivery": nil})
				return
			case <-wake:
				delivery, ok, err = a.orchestrator.Poll(r.Context(), roomID, role, cursor)
				if err != nil {
					writeError(w, http.StatusInternalServerError, err)
					return
				}
			}
		}
	}
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"delivery": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"delivery": delivery})
}

func (a *app) handleClaim(w http.ResponseWriter, r *http.Request, roomID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Role      string `json:"role"`
		MessageID string `json:"message_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
		return
	}
	role, err := a.resolveRole(r, roomID, req.Role)
	if err != nil {
		writeError(w, authStatus(err), err)
		return
	}
	msg, err := a.orchestrator.Claim(r.Context(), roomID, role, req.MessageID)
	if err != nil {
		if errors.Is(err, orchestrator.ErrClaimConflict) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (a *app) handleHandoff(w http.ResponseWriter, r *http.Request, roomID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		FromRole string `json:"from_role"`
		ToRole   string `json:"to_role"`
		Content  string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
		return
	}
	fromRole, err := a.resolveRole(r, roomID, req.FromRole)
	if err != nil {
		writeError(w, authStatus(err), err)
		return
	}
	result, err := a.orchestrator.Handoff(r.Context(), orchestrator.HandoffInput{
		ChatroomID: roomID,
		FromRole:   fromRole,
		ToRole:     req.ToRole,
		Content:    req.Content,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *app) handleRoomTasks(w http.ResponseWriter, r *http.Request, roomID string) {
	switch r.Method {
	case http.MethodGet:
		tasks, err := a.orchestrator.ListRoomTasks(r.Context(), roomID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, tasks)
	case http.MethodPost:
		var req struct {
			Content   string `json:"content"`
			CreatedBy string `json:"created_by"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		if strings.TrimSpace(req.Content) == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("content is required"))
			return
		}
		task, err := a.orchestrator.CreateBacklogTask(r.Context(), orchestrator.CreateBacklogTaskInput{
			ChatroomID: roomID,
			Content:    req.Content,
			CreatedBy:  req.CreatedBy,
		})
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, task)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (a *app) handleParticipants(w http.ResponseWriter, r *http.Request, roomID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	participants, err := a.orchestrator.ListParticipants(r.Context(), roomID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, participants)
}

func (a *app) handlePromote(w http.ResponseWriter, r *http.Request, roomID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	promotedID, reason, err := a.orchestrator.PromoteNext(r.Context(), roomID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"promoted_task_id": promotedID,
		"reason":           reason,
	})
}

func (a *app) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.TrimPrefix(r.URL.Path, "/tasks/")
	parts := strings.Split(trimmed, "/")
	taskID := parts[0]
	if taskID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("task id is required"))
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		task, err := a.orchestrator.GetTask(r.Context(), taskID)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
		return
	}

	action := parts[1]
	if action == "audit" {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		limit := queryInt(r, "limit", 200)
		items, err := a.orchestrator.ListTaskAudit(r.Context(), taskID, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
		return
	}

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Role          string   `json:"role"`
		ParentTaskIDs []string `json:"parent_task_ids"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	var task domain.Task
	var err error
	switch action {
	case "claim":
		task, err = a.orchestrator.ClaimTask(r.Context(), taskID, req.Role)
	case "start":
		task, err = a.orchestrator.StartTask(r.Context(), taskID)
	case "complete":
		task, err = a.orchestrator.CompleteTask(r.Context(), taskID)
	case "mark-complete":
		task, err = a.orchestrator.MarkComplete(r.Context(), taskID)
	case "send-back":
		task, err = a.orchestrator.SendBackForRework(r.Context(), taskID)
	case "move-to-queue":
		task, err = a.orchestrator.MoveBacklogToQueue(r.Context(), taskID)
	case "attach":
		task, err = a.orchestrator.AttachBacklogTask(r.Context(), taskID, req.ParentTaskIDs)
	case "cancel":
		task, err = a.orchestrator.CancelTask(r.Context(), taskID)
	case "force-complete":
		task, err = a.orchestrator.ForceCompleteTask(r.Context(), taskID)
	case "reopen":
		task, err = a.orchestrator.ReopenBacklogTask(r.Context(), taskID)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown action: %s", action))
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func durationMS(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Millisecond
}

func intOrDefault(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func queryInt(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func queryInt64(r *http.Request, key string, def int64) int64 {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return def
	}
	return v
}
