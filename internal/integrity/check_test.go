package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/ppiankov/hitlwatch/internal/alert"
)

// fakeBinary writes a file standing in for the executable and returns its
// path and digest.
func fakeBinary(t *testing.T) (string, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hitlwatch")
	content := []byte("test binary content")
	if err := os.WriteFile(path, content, 0755); err != nil {
		t.Fatal(err)
	}
	h := sha256.Sum256(content)
	return path, hex.EncodeToString(h[:])
}

const wrongHash = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func TestVerifySkipsWhenNoExpectedHash(t *testing.T) {
	old := ExpectedHash
	ExpectedHash = ""
	defer func() { ExpectedHash = old }()

	c := &Checker{ChecksumPaths: []string{"/nonexistent/path"}}
	if err := c.Verify(); err != nil {
		t.Fatalf("expected nil error without expected hash, got %v", err)
	}
}

func TestVerifyPassesWithCorrectHash(t *testing.T) {
	bin, sum := fakeBinary(t)
	c := &Checker{Expected: strings.ToUpper(sum), Binary: bin}
	if err := c.Verify(); err != nil {
		t.Fatalf("expected pass, got %v", err)
	}
}

func TestVerifyUsesBuildTimeHash(t *testing.T) {
	bin, _ := fakeBinary(t)
	old := ExpectedHash
	ExpectedHash = wrongHash
	defer func() { ExpectedHash = old }()

	c := &Checker{Binary: bin, ChecksumPaths: []string{}}
	if err := c.Verify(); !errors.Is(err, ErrTampered) {
		t.Fatalf("expected ErrTampered, got %v", err)
	}
}

func TestTamperEventWrittenOnMismatch(t *testing.T) {
	bin, sum := fakeBinary(t)
	dir := filepath.Join(t.TempDir(), "tamper")

	c := &Checker{Expected: wrongHash, Binary: bin, TamperLogDir: dir}
	if err := c.Verify(); !errors.Is(err, ErrTampered) {
		t.Fatalf("expected ErrTampered, got %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "tamper.jsonl"))
	if err != nil {
		t.Fatalf("expected tamper log to exist: %v", err)
	}
	var event TamperEvent
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(data))), &event); err != nil {
		t.Fatalf("failed to parse tamper event: %v", err)
	}
	if event.Type != alert.TypeBinaryTamper {
		t.Errorf("expected type binary_tamper, got %s", event.Type)
	}
	if event.ExpectedHash != wrongHash || event.ActualHash != sum {
		t.Errorf("hashes = %s / %s", event.ExpectedHash, event.ActualHash)
	}
	if event.Binary != bin || event.Timestamp == "" {
		t.Errorf("event = %+v", event)
	}

	dirInfo, err := os.Stat(dir)
	if err != nil {
		t.Fatal(err)
	}
	if dirInfo.Mode().Perm() != 0700 {
		t.Errorf("expected dir perm 0700, got %04o", dirInfo.Mode().Perm())
	}
	fileInfo, err := os.Stat(filepath.Join(dir, "tamper.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	if fileInfo.Mode().Perm() != 0600 {
		t.Errorf("expected file perm 0600, got %04o", fileInfo.Mode().Perm())
	}
}

func TestWebhookFiredOnTamper(t *testing.T) {
	var mu sync.Mutex
	var received alert.Event

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	bin, _ := fakeBinary(t)
	c := &Checker{
		Expected: wrongHash,
		Binary:   bin,
		Alerts: alert.NewDispatcher([]alert.AlertConfig{
			{URL: srv.URL, Format: "generic", Events: []string{alert.TypeBinaryTamper}},
		}, nil),
	}
	c.Verify()

	// DispatchSync has returned, so the webhook has already been called.
	mu.Lock()
	defer mu.Unlock()
	if received.Type != alert.TypeBinaryTamper {
		t.Fatalf("expected binary_tamper alert, got %+v", received)
	}
	if received.Severity != alert.SeverityCritical {
		t.Errorf("expected critical severity, got %d", received.Severity)
	}
	if !strings.Contains(received.Reason, wrongHash) {
		t.Errorf("reason should carry the expected hash: %s", received.Reason)
	}
}

func TestHashSelfReturns64CharHex(t *testing.T) {
	h, err := HashSelf()
	if err != nil {
		t.Fatal(err)
	}
	if len(h) != 64 {
		t.Fatalf("expected 64 char hex, got %d: %s", len(h), h)
	}
}

func TestHashFileNonExistent(t *testing.T) {
	if _, err := hashFile("/nonexistent/path/to/binary"); err == nil {
		t.Fatal("expected error for nonexistent file")
	}
}

func TestVerifyUsesChecksumFile(t *testing.T) {
	old := ExpectedHash
	ExpectedHash = ""
	defer func() { ExpectedHash = old }()

	bin, _ := fakeBinary(t)
	checksumFile := filepath.Join(t.TempDir(), "binary.sha256")
	os.WriteFile(checksumFile, []byte(wrongHash+"\n"), 0600)

	c := &Checker{Binary: bin, ChecksumPaths: []string{checksumFile}}
	err := c.Verify()
	if err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("expected checksum mismatch error, got %v", err)
	}
}

func TestLoadChecksumFile(t *testing.T) {
	dir := t.TempDir()
	hash := "abcdef0123456789abcdef0123456789abcdef0123456789abcdef0123456789"

	write := func(name, content string) string {
		p := filepath.Join(dir, name)
		os.WriteFile(p, []byte(content), 0600)
		return p
	}
	valid := write("valid.sha256", hash+"\n")
	sumOutput := write("sum.sha256", strings.ToUpper(hash)+"  /usr/local/bin/hitlwatch\n")
	invalid := write("invalid.sha256", "not-a-valid-hash\n")

	tests := []struct {
		name  string
		paths []string
		want  string
	}{
		{"valid", []string{valid}, hash},
		{"sha256sum output", []string{sumOutput}, hash},
		{"invalid content", []string{invalid}, ""},
		{"falls through", []string{"/nonexistent/path", invalid, valid}, hash},
		{"none", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := loadChecksumFile(tt.paths); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}
