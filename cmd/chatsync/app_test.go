package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/go-cmp/cmp"

	"chatsync/internal/driver/wsstore"
	"chatsync/pkg/chatsync"
	"chatsync/pkg/loader"
	"chatsync/pkg/memstore"
)

func writeConfigFile(t *testing.T, path string, contents string) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatalf("create config dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
}

func signToken(t *testing.T, claims gojwt.MapClaims) string {
	t.Helper()

	token, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	return token
}

func forgeToken(t *testing.T, claims gojwt.MapClaims) string {
	t.Helper()

	token, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString([]byte("someone-else"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	return token
}

func TestServeRequireTokenHelpWarnsAboutSignatures(t *testing.T) {
	t.Parallel()

	command := newServeCommand(&rootOptions{})
	flag := command.Flags().Lookup("require-token")
	if flag == nil {
		t.Fatal("require-token flag missing")
	}
	if !strings.Contains(flag.Usage, "not verified") {
		t.Fatalf("require-token usage = %q, want a note that signatures are not verified", flag.Usage)
	}
	if !strings.Contains(command.Long, "development") {
		t.Fatalf("serve help does not mark token checks as development only: %q", command.Long)
	}
}

func TestResolveConfigFilePath(t *testing.T) {
	t.Run("flag wins over environment", func(t *testing.T) {
		t.Setenv(envConfigFile, "from-env.toml")

		got, err := resolveConfigFilePath(" from-flag.toml ")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != "from-flag.toml" {
			t.Fatalf("path = %q, want from-flag.toml", got)
		}
	})

	t.Run("environment wins over defaults", func(t *testing.T) {
		t.Setenv(envConfigFile, "from-env.toml")

		got, err := resolveConfigFilePath("")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != "from-env.toml" {
			t.Fatalf("path = %q, want from-env.toml", got)
		}
	})

	t.Run("default location", func(t *testing.T) {
		t.Setenv(envConfigFile, "")
		chdirForTest(t, t.TempDir())
		writeConfigFile(t, defaultConfigFilePath, "log_level = \"debug\"\n")

		got, err := resolveConfigFilePath("")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != defaultConfigFilePath {
			t.Fatalf("path = %q, want %q", got, defaultConfigFilePath)
		}
	})

	t.Run("nothing found keeps defaults", func(t *testing.T) {
		t.Setenv(envConfigFile, "")
		chdirForTest(t, t.TempDir())

		got, err := resolveConfigFilePath("")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != "" {
			t.Fatalf("path = %q, want empty", got)
		}
	})

	t.Run("directory is rejected", func(t *testing.T) {
		t.Setenv(envConfigFile, "")
		chdirForTest(t, t.TempDir())
		if err := os.MkdirAll(alternateConfigFilePath, 0o700); err != nil {
			t.Fatalf("mkdir: %v", err)
		}

		if _, err := resolveConfigFilePath(""); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestConfigShow(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "chatsync.toml")
	writeConfigFile(t, configPath, strings.Join([]string{
		`log_level = "warn"`,
		`[remote]`,
		`url = "ws://127.0.0.1:8787/sync"`,
		`[typing]`,
		`debounce = "2s"`,
	}, "\n"))

	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetArgs([]string{"--config", configPath, "config", "show"})
	if err := root.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	for _, want := range []string{
		"# " + configPath,
		"log_level = 'warn'",
		"url = 'ws://127.0.0.1:8787/sync'",
		"debounce = '2s'",
		"request_timeout = '10s'",
	} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestConfigShowRejectsInvalidFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "chatsync.toml")
	writeConfigFile(t, configPath, "[remote]\nurl = \"http://example.com\"\n")

	root := newRootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"--config", configPath, "config", "show"})
	if err := root.Execute(); err == nil {
		t.Fatal("expected error")
	}
}

func TestAuthorizeBearer(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		header  string
		wantErr bool
	}{
		{name: "valid token", header: "Bearer " + signToken(t, gojwt.MapClaims{"sub": "alice"})},
		{name: "missing header", wantErr: true},
		{name: "wrong scheme", header: "Basic abc", wantErr: true},
		{name: "no subject", header: "Bearer " + signToken(t, gojwt.MapClaims{"name": "Alice"}), wantErr: true},
		{name: "garbage", header: "Bearer not-a-jwt", wantErr: true},
		{name: "foreign signature is not verified", header: "Bearer " + forgeToken(t, gojwt.MapClaims{"sub": "mallory"})},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			request := httptest.NewRequest(http.MethodGet, "/sync", nil)
			if testCase.header != "" {
				request.Header.Set("Authorization", testCase.header)
			}
			err := authorizeBearer(request)
			if testCase.wantErr && err == nil {
				t.Fatal("expected error")
			}
			if !testCase.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestSendWritesToRemoteStore(t *testing.T) {
	store := memstore.New()
	t.Cleanup(store.Close)
	seedDemo(store, time.Now())

	handler, err := wsstore.NewServer(store, wsstore.WithAuthorizer(authorizeBearer))
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		handler.Close()
		srv.Close()
	})

	configPath := filepath.Join(t.TempDir(), "chatsync.toml")
	writeConfigFile(t, configPath, "[remote]\nurl = \"ws"+strings.TrimPrefix(srv.URL, "http")+"/sync\"\n")
	token := signToken(t, gojwt.MapClaims{"sub": "alice", "name": "Alice"})

	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"--config", configPath, "send", "--token", token, "--channel", "general", "hello from the cli"})
	if err := root.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	messageID := strings.TrimSpace(out.String())
	record, ok := store.Get(chatsync.MessagePath(chatsync.ChannelScope("general"), messageID))
	if !ok {
		t.Fatalf("message %q not written", messageID)
	}
	if record.Text(loader.FieldText) != "hello from the cli" || record.Text(loader.FieldAuthorID) != "alice" {
		t.Fatalf("record = %+v", record)
	}
}

func TestSendRequiresOneTarget(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		options sendOptions
		want    chatsync.ScopeKey
		wantErr bool
	}{
		{name: "channel", options: sendOptions{channel: "c1"}, want: chatsync.ChannelScope("c1")},
		{name: "direct", options: sendOptions{direct: "d1"}, want: chatsync.DirectScope("d1")},
		{name: "both", options: sendOptions{channel: "c1", direct: "d1"}, wantErr: true},
		{name: "neither", wantErr: true},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			got, err := testCase.options.scope()
			if testCase.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != testCase.want {
				t.Fatalf("scope = %+v, want %+v", got, testCase.want)
			}
		})
	}
}

func TestSeedDemo(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	defer store.Close()
	seedDemo(store, time.UnixMilli(1_700_000_000_000))

	server, ok := store.Get(chatsync.ServerPath(demoServerID))
	if !ok || server.Text(loader.FieldName) != "Demo" {
		t.Fatalf("server = %+v, %v", server, ok)
	}
	records, err := store.Query(context.Background(), chatsync.Query{Collection: chatsync.MessagesCollection(chatsync.ChannelScope("general"))})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("general messages = %d, want 3", len(records))
	}
}

func TestEventPrinterWritesJSONLines(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	printer := newEventPrinter(&out)
	printer.SetBadge(3)
	printer.ClearBadge()
	printer.Alert(chatsync.Alert{ScopeID: "general", MessageID: "m1", Title: "Bob", Body: "hi"})
	printer.typing("general")([]chatsync.TypingEntry{{UserID: "bob"}, {UserID: "carol", DisplayName: "Carol"}})
	printer.evicted(chatsync.ChannelScope("random"))

	want := strings.Join([]string{
		`{"event":"badge","badge":3}`,
		`{"event":"badge","badge":0}`,
		`{"event":"alert","scope_id":"general","message_id":"m1","title":"Bob","body":"hi"}`,
		`{"event":"typing","scope_id":"general","typing":["bob","Carol"]}`,
		`{"event":"evicted","class":"channel_messages","scope_id":"random"}`,
	}, "\n") + "\n"
	if diff := cmp.Diff(want, out.String()); diff != "" {
		t.Fatalf("output mismatch (-want +got):\n%s", diff)
	}
}

// chdirForTest changes the working directory for the duration of the test,
// mirroring testing.T.Chdir for toolchains that predate it.
func chdirForTest(t *testing.T, dir string) {
	t.Helper()
	previous, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(previous); err != nil {
			t.Fatalf("restore working directory: %v", err)
		}
	})
}
