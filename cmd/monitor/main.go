package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"crewroom/internal/domain"
)

type client struct {
	baseURL string
	token   string
	http    *http.Client
}

type embeddedOrchestrator struct {
	cmd *exec.Cmd
}

func main() {
	addr := flag.String("addr", "http://localhost:8094", "orchestrator base URL")
	token := flag.String("token", "", "bearer token (required when the orchestrator runs with auth)")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval")
	embedded := flag.Bool("embedded", false, "start orchestrator in the same monitor process lifecycle")
	orchestratorBinary := flag.String("orchestrator-bin", "", "path to orchestrator binary (optional in embedded mode)")
	dbPath := flag.String("db", "data/embedded.db", "sqlite db path for embedded orchestrator")
	flag.Parse()

	c := &client{
		baseURL: strings.TrimRight(*addr, "/"),
		token:   *token,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	var embeddedProc *embeddedOrchestrator
	var err error
	if *embedded {
		embeddedProc, err = startEmbeddedOrchestrator(*addr, *orchestratorBinary, *dbPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start embedded orchestrator: %v\n", err)
			os.Exit(1)
		}
		defer embeddedProc.Stop()
	}

	if err := waitHealth(c, 30*time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator health check failed: %v\n", err)
		os.Exit(1)
	}

	app := tview.NewApplication()
	roomsTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	roomsTable.SetTitle("Chatrooms (Enter inspect, F5 refresh, F10 quit)").SetBorder(true)

	tasksView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	tasksView.SetTitle("Tasks").SetBorder(true)

	messagesView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	messagesView.SetTitle("Messages").SetBorder(true)

	participantsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	participantsView.SetTitle("Participants").SetBorder(true)

	promptInput := tview.NewInputField().
		SetLabel("User -> Chatroom: ")
	promptInput.SetBorder(true).SetTitle("Enter = post user message (prefix q:/f:/n: to classify)")

	statusView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf(
		"Connected to %s | shortcuts: F10 quit, F5 refresh, Ctrl+L focus prompt, Ctrl+T focus rooms",
		c.baseURL,
	))

	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(messagesView, 0, 3, false).
		AddItem(tasksView, 0, 2, false).
		AddItem(participantsView, 8, 0, false)

	mainLayout := tview.NewFlex().
		AddItem(roomsTable, 0, 1, false).
		AddItem(right, 0, 2, false)

	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 12, false).
		AddItem(promptInput, 3, 0, true).
		AddItem(statusView, 3, 0, false)

	var selectedRoomID string
	var lastRooms []domain.Chatroom
	var detailsVersion uint64

	setStatusUI := func(msg string) {
		statusView.SetText(msg)
	}
	setStatusAsync := func(msg string) {
		app.QueueUpdateDraw(func() {
			statusView.SetText(msg)
		})
	}

	refreshRooms := func() {
		rooms, err := c.listChatrooms()
		if err != nil {
			app.QueueUpdateDraw(func() {
				roomsTable.Clear()
				roomsTable.SetCell(0, 0, tview.NewTableCell(fmt.Sprintf("load error: %v", err)).SetTextColor(tview.Styles.ContrastSecondaryTextColor))
			})
			return
		}
		sort.Slice(rooms, func(i, j int) bool {
			return rooms[i].LastActivityAt.After(rooms[j].LastActivityAt)
		})
		lastRooms = rooms
		app.QueueUpdateDraw(func() {
			renderRoomsTable(roomsTable, rooms, selectedRoomID)
		})
	}

	refreshDetailsAsync := func(roomID string) {
		if strings.TrimSpace(roomID) == "" {
			return
		}
		version := atomic.AddUint64(&detailsVersion, 1)
		app.QueueUpdateDraw(func() {
			messagesView.SetText("Loading...")
			tasksView.SetText("Loading...")
			participantsView.SetText("Loading...")
		})

		go func(selected string, v uint64) {
			msgs, msgErr := c.listMessages(selected, 200)
			tasks, taskErr := c.listTasks(selected)
			participants, partErr := c.listParticipants(selected)

			if atomic.LoadUint64(&detailsVersion) != v {
				return
			}
			app.QueueUpdateDraw(func() {
				if selected != selectedRoomID {
					return
				}
				if msgErr != nil {
					messagesView.SetText(fmt.Sprintf("error: %v", msgErr))
				} else {
					messagesView.SetText(renderMessages(msgs))
				}
				if taskErr != nil {
					tasksView.SetText(fmt.Sprintf("error: %v", taskErr))
				} else {
					tasksView.SetText(renderTasks(tasks))
				}
				if partErr != nil {
					participantsView.SetText(fmt.Sprintf("error: %v", partErr))
				} else {
					participantsView.SetText(renderParticipants(participants))
				}
			})
		}(roomID, version)
	}

	submitPrompt := func(prompt string) {
		prompt = strings.TrimSpace(prompt)
		if prompt == "" {
			return
		}
		if selectedRoomID == "" {
			setStatusUI("No chatroom selected")
			return
		}
		setStatusUI("Posting user message...")
		promptInput.SetText("")
		go func(input string, roomID string) {
			classification, content := splitClassification(input)
			if err := c.postUserMessage(roomID, content, classification); err != nil {
				setStatusAsync("Failed to post message: " + err.Error())
				return
			}
			refreshRooms()
			refreshDetailsAsync(roomID)
			setStatusAsync(fmt.Sprintf("Posted (%s) to %s", classification, shortID(roomID)))
		}(prompt, selectedRoomID)
	}

	promptInput.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		submitPrompt(promptInput.GetText())
	})

	roomsTable.SetSelectedFunc(func(row, _ int) {
		if row <= 0 || row > len(lastRooms) {
			return
		}
		selectedRoomID = lastRooms[row-1].ID
		refreshDetailsAsync(selectedRoomID)
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if app.GetFocus() == promptInput {
			if event.Key() == tcell.KeyEscape || event.Key() == tcell.KeyTAB {
				app.SetFocus(roomsTable)
				setStatusUI("Focus -> chatrooms")
				return nil
			}
			return event
		}

		switch event.Key() {
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyF5:
			refreshRooms()
			refreshDetailsAsync(selectedRoomID)
			setStatusUI("Manual refresh complete")
			return nil
		case tcell.KeyCtrlL:
			app.SetFocus(promptInput)
			setStatusUI("Focus -> prompt")
			return nil
		case tcell.KeyCtrlT:
			app.SetFocus(roomsTable)
			setStatusUI("Focus -> chatrooms")
			return nil
		case tcell.KeyTAB:
			app.SetFocus(promptInput)
			return nil
		case tcell.KeyRune:
			app.SetFocus(promptInput)
			return event
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()

		refreshRooms()
		if len(lastRooms) > 0 {
			selectedRoomID = lastRooms[0].ID
			refreshDetailsAsync(selectedRoomID)
		}

		for range ticker.C {
			refreshRooms()
			if selectedRoomID == "" && len(lastRooms) > 0 {
				selectedRoomID = lastRooms[0].ID
			}
			refreshDetailsAsync(selectedRoomID)
		}
	}()

	if err := app.SetRoot(root, true).EnableMouse(true).SetFocus(promptInput).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor failed: %v\n", err)
		os.Exit(1)
	}
}

// splitClassification reads the prompt prefix: "q:" question, "n:"
// new_feature, "f:" follow_up. No prefix posts an unclassified message.
func splitClassification(input string) (string, string) {
	switch {
	case strings.HasPrefix(input, "q:"):
		return string(domain.ClassificationQuestion), strings.TrimSpace(strings.TrimPrefix(input, "q:"))
	case strings.HasPrefix(input, "n:"):
		return string(domain.ClassificationNewFeature), strings.TrimSpace(strings.TrimPrefix(input, "n:"))
	case strings.HasPrefix(input, "f:"):
		return string(domain.ClassificationFollowUp), strings.TrimSpace(strings.TrimPrefix(input, "f:"))
	default:
		return string(domain.ClassificationNone), input
	}
}

func waitHealth(c *client, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		req, err := http.NewRequest(http.MethodGet, c.baseURL+"/healthz", nil)
		if err == nil {
			resp, err := c.http.Do(req)
			if err == nil {
				_ = resp.Body.Close()
				if resp.StatusCode < 300 {
					return nil
				}
			}
		}
		time.Sleep(400 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for /healthz")
}

func startEmbeddedOrchestrator(addr string, orchestratorBinary string, dbPath string) (*embeddedOrchestrator, error) {
	parsed, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse addr: %w", err)
	}
	port := parsed.Port()
	if port == "" {
		return nil, fmt.Errorf("addr must include explicit port, got %q", addr)
	}
	addrArg := ":" + port

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	var cmd *exec.Cmd
	if strings.TrimSpace(orchestratorBinary) != "" {
		cmd = exec.Command(orchestratorBinary, "--addr", addrArg, "--db", dbPath)
	} else {
		cmd = exec.Command("go", "run", "./cmd/orchestrator", "--addr", addrArg, "--db", dbPath)
		cwd, _ := os.Getwd()
		cmd.Dir = cwd
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start orchestrator process: %w", err)
	}
	return &embeddedOrchestrator{cmd: cmd}, nil
}

func (e *embeddedOrchestrator) Stop() {
	if e == nil || e.cmd == nil || e.cmd.Process == nil {
		return
	}
	_ = e.cmd.Process.Kill()
	_, _ = e.cmd.Process.Wait()
}

func renderRoomsTable(table *tview.Table, rooms []domain.Chatroom, selectedRoomID string) {
	table.Clear()
	headers := []string{"Chatroom", "Entry", "Roles", "Last Activity"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, room := range rooms {
		row := i + 1
		table.SetCell(row, 0, tview.NewTableCell(shortID(room.ID)))
		table.SetCell(row, 1, tview.NewTableCell(room.EntryPoint()))
		table.SetCell(row, 2, tview.NewTableCell(trimLine(strings.Join(room.Roles, ","), 40)))
		table.SetCell(row, 3, tview.NewTableCell(room.LastActivityAt.Format("15:04:05")))
		if room.ID == selectedRoomID {
			table.Select(row, 0)
		}
	}
}

func renderMessages(items []domain.Message) string {
	if len(items) == 0 {
		return "No messages"
	}
	var b strings.Builder
	for _, m := range items {
		target := m.TargetRole
		if target == "" {
			target = "*"
		}
		b.WriteString(fmt.Sprintf(
			"[%s] #%d %s -> %s  %s",
			m.CreatedAt.Format("15:04:05"),
			m.Seq,
			m.SenderRole,
			target,
			m.Type,
		))
		if m.Classification != domain.ClassificationNone {
			b.WriteString("  class=" + string(m.Classification))
		}
		if m.ClaimedByRole != "" {
			b.WriteString("  claimed=" + m.ClaimedByRole)
		}
		b.WriteString("\n  " + trimLine(m.Content, 100) + "\n")
	}
	return b.String()
}

func renderTasks(items []domain.Task) string {
	if len(items) == 0 {
		return "No tasks"
	}
	var b strings.Builder
	for _, t := range items {
		b.WriteString(fmt.Sprintf(
			"%s  pos=%d  %s  origin=%s",
			shortID(t.ID),
			t.QueuePosition,
			t.Status,
			t.Origin,
		))
		if t.AssignedTo != "" {
			b.WriteString("  assigned=" + t.AssignedTo)
		}
		if t.BacklogState != "" {
			b.WriteString("  backlog=" + string(t.BacklogState))
		}
		b.WriteString("\n  " + trimLine(t.Content, 100) + "\n")
	}
	return b.String()
}

func renderParticipants(items []domain.Participant) string {
	if len(items) == 0 {
		return "No participants"
	}
	now := time.Now().UTC()
	var b strings.Builder
	for _, p := range items {
		readiness := "ready"
		if p.Stale(now) {
			readiness = "stale"
		}
		b.WriteString(fmt.Sprintf(
			"%-12s status=%-8s %s until=%s\n",
			p.Role,
			p.Status,
			readiness,
			p.ReadyUntil.Format("15:04:05"),
		))
	}
	return b.String()
}

func (c *client) listChatrooms() ([]domain.Chatroom, error) {
	var out []domain.Chatroom
	err := c.getJSON("/chatrooms", &out)
	return out, err
}

func (c *client) listTasks(roomID string) ([]domain.Task, error) {
	var out []domain.Task
	err := c.getJSON("/chatrooms/"+url.PathEscape(roomID)+"/tasks", &out)
	return out, err
}

func (c *client) listMessages(roomID string, limit int) ([]domain.Message, error) {
	var out []domain.Message
	err := c.getJSON(fmt.Sprintf("/chatrooms/%s/messages?limit=%d", url.PathEscape(roomID), limit), &out)
	return out, err
}

func (c *client) listParticipants(roomID string) ([]domain.Participant, error) {
	var out []domain.Participant
	err := c.getJSON("/chatrooms/"+url.PathEscape(roomID)+"/participants", &out)
	return out, err
}

func (c *client) postUserMessage(roomID string, content string, classification string) error {
	body := map[string]any{
		"role":           domain.RoleUser,
		"content":        content,
		"classification": classification,
	}
	return c.postJSON("/chatrooms/"+url.PathEscape(roomID)+"/messages", body, nil)
}

func (c *client) getJSON(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *client) postJSON(path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *client) do(req *http.Request, out any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, trimLine(string(data), 160))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func trimLine(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
