package security

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// =============================================================================
// Memory Tests
// =============================================================================

func TestWipe(t *testing.T) {
	data := []byte("sensitive data that should be wiped")

	Wipe(data)

	for i, b := range data {
		if b != 0 {
			t.Errorf("byte %d was not wiped: got %d, want 0", i, b)
		}
	}
}

func TestWipeEmpty(t *testing.T) {
	// Must not panic
	Wipe(nil)
	Wipe([]byte{})
}

func TestConstantTimeCompare(t *testing.T) {
	tests := []struct {
		a, b  []byte
		equal bool
	}{
		{[]byte("hello"), []byte("hello"), true},
		{[]byte("hello"), []byte("world"), false},
		{[]byte("hello"), []byte("hell"), false},
		{[]byte{}, []byte{}, true},
		{nil, nil, true},
		{[]byte("a"), nil, false},
	}

	for _, tt := range tests {
		got := ConstantTimeCompare(tt.a, tt.b)
		if got != tt.equal {
			t.Errorf("ConstantTimeCompare(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.equal)
		}
	}
}

func TestSecureBufferLifecycle(t *testing.T) {
	data := []byte("sensitive secret data")
	want := "sensitive secret data"

	sb, err := FromBytes(data)
	if err != nil {
		t.Fatalf("FromBytes failed: %v", err)
	}

	// Original must be wiped by FromBytes
	for _, b := range data {
		if b != 0 {
			t.Error("original data was not wiped")
			break
		}
	}

	if sb.Len() != len(want) {
		t.Errorf("length = %d, want %d", sb.Len(), len(want))
	}

	copied := sb.Copy()
	if string(copied) != want {
		t.Error("copy data mismatch")
	}
	Wipe(copied)

	if !sb.Equal([]byte(want)) {
		t.Error("Equal should match original content")
	}
	if sb.Equal([]byte("something else entirely")) {
		t.Error("Equal matched wrong content")
	}

	sb.Destroy()

	if sb.Bytes() != nil {
		t.Error("data should be nil after Destroy")
	}
	if sb.Len() != 0 {
		t.Error("length should be 0 after Destroy")
	}

	// Double destroy must not panic
	sb.Destroy()
}

func TestNewSecureBufferInvalidSize(t *testing.T) {
	if _, err := NewSecureBuffer(0); err == nil {
		t.Error("expected error for zero size")
	}
	if _, err := NewSecureBuffer(-1); err == nil {
		t.Error("expected error for negative size")
	}
}

// =============================================================================
// Crypto Tests
// =============================================================================

func TestGenerateKey(t *testing.T) {
	key, err := GenerateKey(32)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	if len(key) != 32 {
		t.Errorf("key length = %d, want 32", len(key))
	}

	allZero := true
	for _, b := range key {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		t.Error("generated key is all zeros")
	}
}

func TestGenerateKeyTooSmall(t *testing.T) {
	if _, err := GenerateKey(8); err == nil {
		t.Error("expected error for key below minimum size")
	}
}

func TestValidateKeyStrength(t *testing.T) {
	validKey, _ := GenerateKey(32)

	tests := []struct {
		name    string
		key     []byte
		wantErr bool
	}{
		{"valid key", validKey, false},
		{"too short", make([]byte, 8), true},
		{"all zeros", make([]byte, 32), true},
		{"repeating pattern", bytes.Repeat([]byte{0xAB}, 32), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateKeyStrength(tt.key)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateKeyStrength() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestHashDomainSeparated(t *testing.T) {
	data := []byte("test data")

	hash1 := HashDomainSeparated("domain1", data)
	hash2 := HashDomainSeparated("domain2", data)

	if hash1 == hash2 {
		t.Error("different domains should produce different hashes")
	}

	hash3 := HashDomainSeparated("domain1", data)
	if hash1 != hash3 {
		t.Error("same inputs should produce same hash")
	}

	// A domain that is a prefix of another must not collide when the
	// remainder moves between domain and data.
	a := HashDomainSeparated("ab", []byte("cd"))
	b := HashDomainSeparated("abc", []byte("d"))
	if a == b {
		t.Error("length prefixing failed to separate domains")
	}
}

// =============================================================================
// Path and File Tests
// =============================================================================

func TestValidatePath(t *testing.T) {
	tests := []struct {
		path    string
		wantErr bool
	}{
		{"/tmp/test.txt", false},
		{"../../../etc/passwd", true},
		{"/tmp/../../../etc/passwd", true},
		{"/tmp/test\x00.txt", true},
		{"", true},
	}

	for _, tt := range tests {
		_, err := ValidatePath(tt.path)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidatePath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
		}
	}
}

func TestWriteSecretFile(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "secret.key")
	data := []byte("secret data")

	if err := WriteSecretFile(path, data); err != nil {
		t.Fatalf("WriteSecretFile failed: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("file contents mismatch: got %q, want %q", got, data)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Mode().Perm() != PermSecretFile {
		t.Errorf("file permissions = %04o, want %04o", info.Mode().Perm(), PermSecretFile)
	}
}

func TestWriteSecretFileAtomic(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "test.key")

	if err := WriteSecretFile(path, []byte("initial")); err != nil {
		t.Fatalf("WriteSecretFile failed: %v", err)
	}
	if err := WriteSecretFile(path, []byte("updated")); err != nil {
		t.Fatalf("WriteSecretFile update failed: %v", err)
	}

	got, _ := os.ReadFile(path)
	if string(got) != "updated" {
		t.Errorf("contents = %q, want %q", got, "updated")
	}

	matches, _ := filepath.Glob(path + ".tmp.*")
	if len(matches) > 0 {
		t.Errorf("temp files left behind: %v", matches)
	}
}

func TestReadSecretFileRejectsOpenPermissions(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "open.key")

	if err := os.WriteFile(path, []byte("data"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if _, err := ReadSecretFile(path, 0); err == nil {
		t.Error("expected error for group-readable secret file")
	}
}

func TestEnsureSecretDir(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "secure", "nested")

	if err := EnsureSecretDir(path); err != nil {
		t.Fatalf("EnsureSecretDir failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if !info.IsDir() {
		t.Error("expected directory")
	}
	if info.Mode().Perm() != PermSecretDir {
		t.Errorf("directory permissions = %04o, want %04o", info.Mode().Perm(), PermSecretDir)
	}
}

// =============================================================================
// Rate Limiting Tests
// =============================================================================

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(10, 5)

	for i := 0; i < 5; i++ {
		if !rl.Allow() {
			t.Errorf("burst operation %d was rate limited", i)
		}
	}

	if rl.Allow() {
		t.Error("expected rate limiting after burst")
	}

	time.Sleep(200 * time.Millisecond)

	if !rl.Allow() {
		t.Error("expected operation after refill")
	}
}

func TestRateLimiterBlock(t *testing.T) {
	rl := NewRateLimiter(10, 5)

	rl.Block(100 * time.Millisecond)

	if rl.Allow() {
		t.Error("expected blocking")
	}

	time.Sleep(150 * time.Millisecond)

	if !rl.Allow() {
		t.Error("expected operation after block expired")
	}
}

func TestFailureLimiterBackoff(t *testing.T) {
	fl := NewFailureLimiter(
		10*time.Millisecond,
		100*time.Millisecond,
		time.Second,
		5,
		time.Second,
	)

	key := "credential"

	delay1 := fl.RecordFailure(key)
	delay2 := fl.RecordFailure(key)

	if delay2 <= delay1 {
		t.Errorf("expected exponential backoff: delay2=%v should be > delay1=%v", delay2, delay1)
	}

	if fl.Failures(key) != 2 {
		t.Errorf("failures = %d, want 2", fl.Failures(key))
	}

	fl.RecordSuccess(key)
	delay3 := fl.RecordFailure(key)

	if delay3 >= delay2 {
		t.Errorf("expected reset after success: delay3=%v should be < delay2=%v", delay3, delay2)
	}
}

func TestFailureLimiterLockout(t *testing.T) {
	fl := NewFailureLimiter(
		time.Millisecond,
		10*time.Millisecond,
		time.Minute,
		3,
		time.Minute,
	)

	key := "credential"

	fl.RecordFailure(key)
	fl.RecordFailure(key)

	if locked, _ := fl.IsLocked(key); locked {
		t.Error("should not be locked before maxFailures")
	}

	fl.RecordFailure(key)

	locked, remaining := fl.IsLocked(key)
	if !locked {
		t.Fatal("expected lockout after maxFailures")
	}
	if remaining <= 0 {
		t.Error("expected positive remaining lock duration")
	}
}

// =============================================================================
// Process Tests
// =============================================================================

func TestCaptureProcessState(t *testing.T) {
	state := CaptureProcessState()

	if state.PID != os.Getpid() {
		t.Errorf("PID = %d, want %d", state.PID, os.Getpid())
	}
	if state.UID != os.Getuid() {
		t.Errorf("UID = %d, want %d", state.UID, os.Getuid())
	}
	if state.Platform == "" {
		t.Error("Platform should not be empty")
	}
}

func TestRunChecklist(t *testing.T) {
	checklist := RunChecklist()

	if len(checklist.Items) == 0 {
		t.Fatal("checklist should have items")
	}

	names := make(map[string]bool)
	for _, item := range checklist.Items {
		names[item.Name] = true
	}

	for _, want := range []string{"non_root", "no_debugger", "core_disabled"} {
		if !names[want] {
			t.Errorf("missing check: %s", want)
		}
	}
}

// =============================================================================
// Benchmarks
// =============================================================================

func BenchmarkWipe(b *testing.B) {
	data := make([]byte, 32)
	for i := 0; i < b.N; i++ {
		Wipe(data)
	}
}

func BenchmarkConstantTimeCompare(b *testing.B) {
	x := make([]byte, 32)
	y := make([]byte, 32)
	GenerateSecureRandom(x)
	GenerateSecureRandom(y)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ConstantTimeCompare(x, y)
	}
}
