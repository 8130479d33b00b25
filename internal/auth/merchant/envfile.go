package merchant

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/merchantkit/merchantauth/internal/auth"
	"github.com/merchantkit/merchantauth/internal/misc"
	log "github.com/sirupsen/logrus"
)

// Keys written to the credential file.
const (
	KeyAccessToken        = "MERCHANT_ACCESS_TOKEN"
	KeyRefreshToken       = "MERCHANT_REFRESH_TOKEN"
	KeyMerchantID         = "MERCHANT_ID"
	KeyAccessTokenExpiry  = "MERCHANT_ACCESS_TOKEN_EXPIRY"
	KeyRefreshTokenExpiry = "MERCHANT_REFRESH_TOKEN_EXPIRY"
)

var credentialKeys = []string{
	KeyAccessToken,
	KeyRefreshToken,
	KeyMerchantID,
	KeyAccessTokenExpiry,
	KeyRefreshTokenExpiry,
}

const watchDebounce = 150 * time.Millisecond

// EnvFileStore persists the credential as KEY=value lines in a dotenv-style file.
// Credential keys are rewritten in place; other lines and comments are kept as they are.
type EnvFileStore struct {
	path string
	mu   sync.Mutex
	// lastHash is the hash of the last content written or read, used to skip no-op reloads.
	lastHash string
}

// NewEnvFileStore returns a store backed by the file at path.
func NewEnvFileStore(path string) *EnvFileStore {
	return &EnvFileStore{path: filepath.Clean(path)}
}

// Path returns the credential file path.
func (s *EnvFileStore) Path() string { return s.path }

// Load reads the credential keys from the file. A missing file yields nil.
func (s *EnvFileStore) Load(_ context.Context) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read credential file: %w", err)
	}
	s.lastHash = hashContent(data)

	values, err := godotenv.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse credential file: %w", err)
	}
	if strings.TrimSpace(values[KeyAccessToken]) == "" && strings.TrimSpace(values[KeyMerchantID]) == "" {
		return nil, nil
	}
	return &Record{
		AccessToken:        strings.TrimSpace(values[KeyAccessToken]),
		RefreshToken:       strings.TrimSpace(values[KeyRefreshToken]),
		MerchantID:         strings.TrimSpace(values[KeyMerchantID]),
		AccessTokenExpiry:  parseUnix(values[KeyAccessTokenExpiry]),
		RefreshTokenExpiry: parseUnix(values[KeyRefreshTokenExpiry]),
	}, nil
}

// Save writes the record's keys into the file, creating it when needed.
func (s *EnvFileStore) Save(_ context.Context, record *Record) error {
	if record == nil {
		return fmt.Errorf("cannot save nil credential")
	}
	misc.LogSavingCredentials(s.path)
	return s.rewrite(map[string]string{
		KeyAccessToken:        record.AccessToken,
		KeyRefreshToken:       record.RefreshToken,
		KeyMerchantID:         record.MerchantID,
		KeyAccessTokenExpiry:  strconv.FormatInt(record.AccessTokenExpiry, 10),
		KeyRefreshTokenExpiry: strconv.FormatInt(record.RefreshTokenExpiry, 10),
	})
}

// Clear removes the credential keys from the file, keeping every other line.
func (s *EnvFileStore) Clear(_ context.Context) error {
	if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return s.rewrite(nil)
}

// rewrite replaces credential key lines with updates. Keys absent from updates are removed;
// keys not yet in the file are appended in a fixed order.
func (s *EnvFileStore) rewrite(updates map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := os.ReadFile(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to read credential file: %w", err)
	}

	managed := make(map[string]struct{}, len(credentialKeys))
	for _, key := range credentialKeys {
		managed[key] = struct{}{}
	}
	written := make(map[string]struct{}, len(updates))

	var out bytes.Buffer
	scanner := bufio.NewScanner(bytes.NewReader(existing))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		key := lineKey(line)
		if _, ok := managed[key]; !ok {
			out.WriteString(line)
			out.WriteByte('\n')
			continue
		}
		value, keep := updates[key]
		if !keep {
			continue
		}
		if _, dup := written[key]; dup {
			continue
		}
		formatted, errFormat := formatLine(key, value)
		if errFormat != nil {
			return errFormat
		}
		out.WriteString(formatted)
		out.WriteByte('\n')
		written[key] = struct{}{}
	}
	if err = scanner.Err(); err != nil {
		return fmt.Errorf("failed to scan credential file: %w", err)
	}
	for _, key := range credentialKeys {
		value, ok := updates[key]
		if !ok {
			continue
		}
		if _, done := written[key]; done {
			continue
		}
		formatted, errFormat := formatLine(key, value)
		if errFormat != nil {
			return errFormat
		}
		out.WriteString(formatted)
		out.WriteByte('\n')
	}

	if err = writeFileAtomic(s.path, out.Bytes()); err != nil {
		return err
	}
	s.lastHash = hashContent(out.Bytes())
	return nil
}

// Watch calls onChange when another writer changes the file, once events settle.
// Writes made by this store are not reported.
func (s *EnvFileStore) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create credential file watcher: %w", err)
	}
	// Watch the directory so atomic replacements (rename over the file) are seen.
	dir := filepath.Dir(s.path)
	if err = watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	go func() {
		defer func() { _ = watcher.Close() }()
		var (
			timerMu sync.Mutex
			timer   *time.Timer
		)
		schedule := func() {
			timerMu.Lock()
			defer timerMu.Unlock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(watchDebounce, func() {
				if s.changedOnDisk() {
					onChange()
				}
			})
		}
		ops := fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename
		for {
			select {
			case <-ctx.Done():
				timerMu.Lock()
				if timer != nil {
					timer.Stop()
				}
				timerMu.Unlock()
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != s.path || event.Op&ops == 0 {
					continue
				}
				log.Debugf("credential file event: %s %s", event.Op.String(), filepath.Base(event.Name))
				schedule()
			case errWatch, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Errorf("credential file watcher error: %v", errWatch)
			}
		}
	}()
	return nil
}

// changedOnDisk reports whether the file content differs from what this store last saw.
func (s *EnvFileStore) changedOnDisk() bool {
	data, err := os.ReadFile(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Debugf("failed to read credential file for hash check: %v", err)
		return false
	}
	sum := hashContent(data)

	s.mu.Lock()
	defer s.mu.Unlock()
	if sum == s.lastHash {
		return false
	}
	s.lastHash = sum
	return true
}

var _ auth.TokenStorage = (*Record)(nil)

// SaveTokenToFile writes the record to the dotenv-style credential file at authFilePath.
//
// Parameters:
//   - authFilePath: The path of the credential file
//
// Returns:
//   - error: An error if the operation fails, nil otherwise
func (r *Record) SaveTokenToFile(authFilePath string) error {
	return NewEnvFileStore(authFilePath).Save(context.Background(), r)
}

// lineKey returns the variable name declared by a dotenv line, or "" for blanks and comments.
func lineKey(line string) string {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return ""
	}
	trimmed = strings.TrimPrefix(trimmed, "export ")
	idx := strings.IndexAny(trimmed, "=:")
	if idx <= 0 {
		return ""
	}
	return strings.TrimSpace(trimmed[:idx])
}

func formatLine(key, value string) (string, error) {
	line, err := godotenv.Marshal(map[string]string{key: value})
	if err != nil {
		return "", fmt.Errorf("failed to format %s: %w", key, err)
	}
	return line, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write credential file: %w", err)
	}
	if err = tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to set credential file mode: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close credential file: %w", err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace credential file: %w", err)
	}
	return nil
}

func parseUnix(raw string) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || v < 0 {
		return 0
	}
	if v > millisecondThreshold {
		v /= 1000
	}
	return v
}

func hashContent(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
