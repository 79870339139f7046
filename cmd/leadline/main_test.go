package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/zulandar/leadline/internal/convo"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func writeConfig(t *testing.T, gatewayURL, extra string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "leadline.yaml")
	cfg := "env: production\nlog_level: error\n" +
		"viewer:\n  id: a1\n  role: supervisor\n" +
		"gateway:\n  base_url: " + gatewayURL + "\n  retries: -1\n" +
		"push:\n  url: ws://localhost:1/ws\n" + extra
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// ---------------------------------------------------------------------------
// Root and version
// ---------------------------------------------------------------------------

func TestVersionCmd(t *testing.T) {
	out, err := run(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if !strings.Contains(out, "leadline dev") {
		t.Errorf("expected output to contain 'leadline dev', got: %s", out)
	}
	if !strings.Contains(out, "commit: none") {
		t.Errorf("expected output to contain 'commit: none', got: %s", out)
	}
}

func TestVersionCmdWithCustomValues(t *testing.T) {
	origVersion, origCommit, origDate := Version, Commit, Date
	Version, Commit, Date = "1.0.0", "abc123", "2026-01-01"
	defer func() { Version, Commit, Date = origVersion, origCommit, origDate }()

	out, err := run(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if !strings.Contains(out, "leadline 1.0.0 (commit: abc123, built: 2026-01-01)") {
		t.Errorf("unexpected version output: %s", out)
	}
}

func TestRootCmdHelp(t *testing.T) {
	out, err := run(t, "--help")
	if err != nil {
		t.Fatalf("help command failed: %v", err)
	}
	for _, sub := range []string{"version", "run", "rooms", "history", "send", "cache"} {
		if !strings.Contains(out, sub) {
			t.Errorf("expected help output to list %q, got: %s", sub, out)
		}
	}
}

func TestSubcommandFlags(t *testing.T) {
	root := newRootCmd()
	tests := []struct {
		path  []string
		flags []string
	}{
		{[]string{"run"}, []string{"config", "port"}},
		{[]string{"rooms"}, []string{"config", "json"}},
		{[]string{"history"}, []string{"config", "limit", "json"}},
		{[]string{"send"}, []string{"config", "file"}},
		{[]string{"assign"}, []string{"config", "remove"}},
		{[]string{"cache", "migrate"}, []string{"config"}},
		{[]string{"cache", "purge"}, []string{"config", "yes"}},
	}
	for _, tt := range tests {
		cmd, _, err := root.Find(tt.path)
		if err != nil {
			t.Fatalf("Find(%v): %v", tt.path, err)
		}
		for _, name := range tt.flags {
			if cmd.Flags().Lookup(name) == nil {
				t.Errorf("%s: missing --%s", strings.Join(tt.path, " "), name)
			}
		}
		if f := cmd.Flags().Lookup("config"); f != nil && f.DefValue != defaultConfigPath {
			t.Errorf("%s: --config default = %q", strings.Join(tt.path, " "), f.DefValue)
		}
	}
}

func TestHistoryRequiresRoom(t *testing.T) {
	if _, err := run(t, "history"); err == nil {
		t.Fatal("expected error without room id")
	}
}

func TestSendRequiresContent(t *testing.T) {
	_, err := run(t, "send", "r1")
	if err == nil || !strings.Contains(err.Error(), "text or --file is required") {
		t.Errorf("err = %v", err)
	}
}

func TestMissingConfig(t *testing.T) {
	_, err := run(t, "rooms", "-c", filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "load config") {
		t.Errorf("err = %v, want load config error", err)
	}
}

// ---------------------------------------------------------------------------
// Commands against a fake gateway
// ---------------------------------------------------------------------------

func fakeGateway(t *testing.T) (*httptest.Server, *[]string) {
	t.Helper()
	var sent []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/rooms":
			io.WriteString(w, `{"success": true, "data": {"rooms": [
				{"id": 1, "display_title": "Ann", "phone": "+111", "unread_count": 2, "last_activity_at": "2026-03-01T12:00:00Z"},
				{"id": 2, "display_title": "Bea", "phone": "+222", "last_activity_at": "2026-03-01T13:00:00Z"}
			]}}`)
		case r.URL.Path == "/messages/room/1":
			io.WriteString(w, `{"success": true, "has_more": true, "messages": [
				{"id": 11, "external_id": "x2", "room_id": 1, "sender_type": "agent", "message_type": "text", "text": "second", "status": "read", "created_at": "2026-03-01T12:01:00Z"},
				{"id": 10, "external_id": "x1", "room_id": 1, "sender_type": "customer", "message_type": "text", "text": "first", "created_at": "2026-03-01T12:00:00Z"}
			]}`)
		case r.Method == http.MethodPost:
			body, _ := io.ReadAll(r.Body)
			sent = append(sent, string(body))
			io.WriteString(w, `{"success": true, "message_id": 99, "external_id": "wamid.99"}`)
		case r.Method == http.MethodDelete:
			sent = append(sent, "DELETE "+r.URL.Path)
			io.WriteString(w, `{"success": true}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &sent
}

func TestRoomsCmd_JSON(t *testing.T) {
	srv, _ := fakeGateway(t)
	out, err := run(t, "rooms", "-c", writeConfig(t, srv.URL, ""), "--json")
	if err != nil {
		t.Fatalf("rooms: %v", err)
	}
	var rooms []convo.WireRoom
	if err := json.Unmarshal([]byte(out), &rooms); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(rooms) != 2 || rooms[0].ID != "2" || rooms[1].UnreadCount != 2 {
		t.Errorf("rooms = %+v", rooms)
	}
}

func TestHistoryCmd_JSON(t *testing.T) {
	srv, _ := fakeGateway(t)
	out, err := run(t, "history", "1", "-c", writeConfig(t, srv.URL, ""), "-n", "2")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var msgs []convo.WireMessage
	if err := json.Unmarshal([]byte(out), &msgs); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(msgs) != 2 || msgs[0].ExternalID != "x1" || msgs[1].Status != "read" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestSendCmd(t *testing.T) {
	srv, sent := fakeGateway(t)
	out, err := run(t, "send", "1", "see you at 5", "-c", writeConfig(t, srv.URL, ""))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !strings.Contains(out, "Sent to Ann (+111): wamid.99") {
		t.Errorf("output = %q", out)
	}
	if len(*sent) != 1 || !strings.Contains((*sent)[0], `"to":"+111"`) || !strings.Contains((*sent)[0], `"local_id":"`) {
		t.Errorf("sent = %v", *sent)
	}
}

func TestSendCmd_UnknownRoom(t *testing.T) {
	srv, _ := fakeGateway(t)
	_, err := run(t, "send", "404", "hello", "-c", writeConfig(t, srv.URL, ""))
	if err == nil || !strings.Contains(err.Error(), "room 404 not found") {
		t.Errorf("err = %v", err)
	}
}

func TestAssignCmd(t *testing.T) {
	srv, sent := fakeGateway(t)
	cfg := writeConfig(t, srv.URL, "")
	out, err := run(t, "assign", "1", "a7", "-c", cfg)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if !strings.Contains(out, "Assigned agent a7 to room 1") {
		t.Errorf("output = %q", out)
	}
	out, err = run(t, "assign", "1", "a7", "--remove", "-c", cfg)
	if err != nil {
		t.Fatalf("assign --remove: %v", err)
	}
	if !strings.Contains(out, "Unassigned agent a7 from room 1") {
		t.Errorf("output = %q", out)
	}
	if len(*sent) != 2 || !strings.Contains((*sent)[0], `"agent_id":"a7"`) || (*sent)[1] != "DELETE /rooms/1/assign/a7" {
		t.Errorf("sent = %v", *sent)
	}
}

// ---------------------------------------------------------------------------
// Cache commands
// ---------------------------------------------------------------------------

func TestCacheMigrateAndPurge(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "cache.db")
	cfg := writeConfig(t, "http://localhost:1", "cache:\n  driver: sqlite\n  dsn: "+dsn+"\n")

	out, err := run(t, "cache", "migrate", "-c", cfg)
	if err != nil {
		t.Fatalf("cache migrate: %v", err)
	}
	if !strings.Contains(out, "Migrated 2 tables (sqlite)") {
		t.Errorf("output = %q", out)
	}
	if _, err := os.Stat(dsn); err != nil {
		t.Errorf("cache file not created: %v", err)
	}

	if _, err := run(t, "cache", "purge", "-c", cfg); err == nil {
		t.Error("purge without --yes should fail")
	}
	out, err = run(t, "cache", "purge", "-c", cfg, "--yes")
	if err != nil {
		t.Fatalf("cache purge: %v", err)
	}
	if !strings.Contains(out, "Cache purged.") {
		t.Errorf("output = %q", out)
	}
}

func TestCacheMigrate_Disabled(t *testing.T) {
	_, err := run(t, "cache", "migrate", "-c", writeConfig(t, "http://localhost:1", ""))
	if err == nil || !strings.Contains(err.Error(), "cache is disabled") {
		t.Errorf("err = %v", err)
	}
}

// ---------------------------------------------------------------------------
// Formatting
// ---------------------------------------------------------------------------

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"hello   there\nfriend", 40, "hello there friend"},
		{"abcdefghij", 8, "abcde..."},
		{"olá mundo!", 6, "olá..."},
		{"abcdef", 2, "ab"},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.max); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}

func TestFormatAge(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		at   time.Time
		want string
	}{
		{time.Time{}, "-"},
		{now.Add(-10 * time.Second), "now"},
		{now.Add(-5 * time.Minute), "5m"},
		{now.Add(-3 * time.Hour), "3h"},
		{now.Add(-72 * time.Hour), "3d"},
	}
	for _, tt := range tests {
		if got := formatAge(tt.at, now); got != tt.want {
			t.Errorf("formatAge(%v) = %q, want %q", tt.at, got, tt.want)
		}
	}
}

func TestUseTable_NotATerminal(t *testing.T) {
	if useTable(new(bytes.Buffer)) {
		t.Error("buffer reported as terminal")
	}
}

func TestPrintRooms_EmptyJSON(t *testing.T) {
	cmd := &cobra.Command{}
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	if err := printRooms(cmd, nil, false, time.Now()); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(buf.String()) != "[]" {
		t.Errorf("output = %q, want []", buf.String())
	}
}
