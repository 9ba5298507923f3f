// Package exchange implements the on-disk request protocol: one directory
// per request inside a shared exchange directory, published atomically and
// driven through a monotonic state machine.
//
// Layout of one request:
//
//	<exchange>/<id>/
//	    request.json   immutable metadata, written at publish time
//	    input/         caller payload, immutable after publish
//	    state          current state word, replaced via temp file + rename
//	    claimed        claim marker, created exactly once with O_EXCL
//	    heartbeat      RFC3339Nano UTC timestamp, replaced atomically
//	    log.txt        append-only scheduler and child process output
//	    failure        terminal failure detail (FAILED / ABORTED only)
//	    output/        results subtree written by the daemon
//
// Two primitives carry every consistency guarantee the system has:
// exclusive create (claiming) and rename-within-directory (publishing and
// state replacement). Both must be atomic on the underlying filesystem;
// SelfTest probes them at daemon startup.
package exchange

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mqrun/fscall/internal/model"
)

const (
	metaFile    = "request.json"
	stateFile   = "state"
	claimFile   = "claimed"
	beatFile    = "heartbeat"
	logFile     = "log.txt"
	failureFile = "failure"
	inputDir    = "input"
	outputDir   = "output"

	stagePrefix = ".stage-"
	tmpPrefix   = ".tmp-"
)

// Exchange is a handle on the shared directory. All I/O goes through an
// os.Root so nothing can escape the exchange, not even via symlinks in a
// request payload.
type Exchange struct {
	dir  string
	root *os.Root
}

// Open opens the shared exchange directory.
func Open(dir string) (*Exchange, error) {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("opening exchange directory: %w", err)
	}
	return &Exchange{dir: dir, root: root}, nil
}

func (e *Exchange) Close() error {
	return e.root.Close()
}

// Dir returns the exchange directory path.
func (e *Exchange) Dir() string { return e.dir }

// RequestDir returns the absolute path of a request directory. The daemon
// uses it as the working directory of the child process.
func (e *Exchange) RequestDir(id string) string {
	return filepath.Join(e.dir, id)
}

// InputDir returns the absolute path of the immutable input subtree.
func (e *Exchange) InputDir(id string) string {
	return filepath.Join(e.dir, id, inputDir)
}

// OutputDir returns the absolute path of the output subtree.
func (e *Exchange) OutputDir(id string) string {
	return filepath.Join(e.dir, id, outputDir)
}

// Publish creates a new request from the files under payloadDir. The whole
// request is staged under a dot-prefixed name and made visible with a single
// rename, so a concurrent discovery pass either sees the complete request or
// nothing at all.
func (e *Exchange) Publish(payloadDir string) (string, error) {
	id := uuid.NewString()
	stage := stagePrefix + id

	if err := e.root.Mkdir(stage, 0o755); err != nil {
		return "", fmt.Errorf("staging request: %w", err)
	}
	ok := false
	defer func() {
		if !ok {
			_ = e.root.RemoveAll(stage)
		}
	}()

	if err := e.root.Mkdir(path.Join(stage, inputDir), 0o755); err != nil {
		return "", fmt.Errorf("staging input directory: %w", err)
	}
	inputs, err := e.copyPayload(payloadDir, path.Join(stage, inputDir))
	if err != nil {
		return "", fmt.Errorf("copying payload: %w", err)
	}
	if len(inputs) == 0 {
		return "", fmt.Errorf("payload directory %s contains no files", payloadDir)
	}

	hostname, _ := os.Hostname()
	meta := model.Request{
		ID:        id,
		CreatedAt: time.Now().UTC(),
		Submitter: hostname,
		Inputs:    inputs,
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	if err := e.writeNew(path.Join(stage, metaFile), raw); err != nil {
		return "", fmt.Errorf("writing request metadata: %w", err)
	}
	if err := e.writeNew(path.Join(stage, stateFile), []byte(model.StateNew)); err != nil {
		return "", fmt.Errorf("writing initial state: %w", err)
	}
	if err := e.writeNew(path.Join(stage, logFile), nil); err != nil {
		return "", fmt.Errorf("creating log file: %w", err)
	}

	if err := e.root.Rename(stage, id); err != nil {
		return "", fmt.Errorf("publishing request: %w", err)
	}
	ok = true
	return id, nil
}

func (e *Exchange) copyPayload(payloadDir, stageInput string) ([]string, error) {
	var inputs []string
	err := filepath.WalkDir(payloadDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(payloadDir, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		dst := path.Join(stageInput, filepath.ToSlash(rel))
		if d.IsDir() {
			return e.root.Mkdir(dst, 0o755)
		}
		if !d.Type().IsRegular() {
			return fmt.Errorf("payload entry %s is not a regular file", rel)
		}
		src, err := os.Open(p)
		if err != nil {
			return err
		}
		defer src.Close()
		w, err := e.root.Create(dst)
		if err != nil {
			return err
		}
		if _, err := io.Copy(w, src); err != nil {
			_ = w.Close()
			return err
		}
		if err := w.Close(); err != nil {
			return err
		}
		inputs = append(inputs, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(inputs)
	return inputs, nil
}

// writeNew creates a file that must not exist yet. Used only inside the
// staging directory, before the request is visible.
func (e *Exchange) writeNew(name string, data []byte) error {
	f, err := e.root.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// replaceFile atomically replaces <id>/<name>: write a temp file in the same
// request directory, then rename over the target. A reader never observes a
// half-written file.
func (e *Exchange) replaceFile(id, name string, data []byte) error {
	tmp := path.Join(id, tmpPrefix+name)
	f, err := e.root.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return e.wrapNotFound(id, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return e.root.Rename(tmp, path.Join(id, name))
}

func (e *Exchange) wrapNotFound(id string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		if _, statErr := e.root.Stat(id); statErr != nil {
			return fmt.Errorf("request %s: %w", id, model.ErrNotFound)
		}
	}
	return err
}

// ReadMeta returns the immutable metadata of a request.
func (e *Exchange) ReadMeta(id string) (model.Request, error) {
	raw, err := e.root.ReadFile(path.Join(id, metaFile))
	if err != nil {
		return model.Request{}, e.wrapNotFound(id, err)
	}
	var meta model.Request
	if err := json.Unmarshal(raw, &meta); err != nil {
		return model.Request{}, fmt.Errorf("decoding metadata of %s: %w", id, err)
	}
	return meta, nil
}

// ReadState returns the current state of a request.
func (e *Exchange) ReadState(id string) (model.State, error) {
	raw, err := e.root.ReadFile(path.Join(id, stateFile))
	if err != nil {
		return "", e.wrapNotFound(id, err)
	}
	state, err := model.ParseState(strings.TrimSpace(string(raw)))
	if err != nil {
		return "", fmt.Errorf("request %s: %w", id, err)
	}
	return state, nil
}

// ReadClaim returns who claimed the request. ErrNotFound when the request
// does not exist, a zero Claim and no error when it is still unclaimed.
func (e *Exchange) ReadClaim(id string) (model.Claim, error) {
	raw, err := e.root.ReadFile(path.Join(id, claimFile))
	if errors.Is(err, fs.ErrNotExist) {
		if _, statErr := e.root.Stat(id); statErr != nil {
			return model.Claim{}, fmt.Errorf("request %s: %w", id, model.ErrNotFound)
		}
		return model.Claim{}, nil
	}
	if err != nil {
		return model.Claim{}, err
	}
	var claim model.Claim
	if err := json.Unmarshal(raw, &claim); err != nil {
		return model.Claim{}, fmt.Errorf("decoding claim of %s: %w", id, err)
	}
	return claim, nil
}

// ReadHeartbeat returns the last heartbeat timestamp, or the zero time when
// none was written yet.
func (e *Exchange) ReadHeartbeat(id string) (time.Time, error) {
	raw, err := e.root.ReadFile(path.Join(id, beatFile))
	if errors.Is(err, fs.ErrNotExist) {
		if _, statErr := e.root.Stat(id); statErr != nil {
			return time.Time{}, fmt.Errorf("request %s: %w", id, model.ErrNotFound)
		}
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(string(raw)))
	if err != nil {
		return time.Time{}, fmt.Errorf("decoding heartbeat of %s: %w", id, err)
	}
	return ts, nil
}

// ReadLog returns the accumulated request log.
func (e *Exchange) ReadLog(id string) ([]byte, error) {
	raw, err := e.root.ReadFile(path.Join(id, logFile))
	if err != nil {
		return nil, e.wrapNotFound(id, err)
	}
	return raw, nil
}

// ReadFailure returns the terminal failure detail, empty when none exists.
func (e *Exchange) ReadFailure(id string) (string, error) {
	raw, err := e.root.ReadFile(path.Join(id, failureFile))
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", e.wrapNotFound(id, err)
	}
	return string(raw), nil
}

// Outputs lists the files below the output subtree, relative to it. An
// absent subtree (request failed before producing anything) is an empty
// list, not an error.
func (e *Exchange) Outputs(id string) ([]string, error) {
	if _, err := e.root.Stat(id); err != nil {
		return nil, fmt.Errorf("request %s: %w", id, model.ErrNotFound)
	}
	base := path.Join(id, outputDir)
	if _, err := e.root.Stat(base); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	var files []string
	err := fs.WalkDir(e.root.FS(), base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// ReadOutput returns one output file by its path relative to the output
// subtree.
func (e *Exchange) ReadOutput(id, rel string) ([]byte, error) {
	raw, err := e.root.ReadFile(path.Join(id, outputDir, rel))
	if err != nil {
		return nil, e.wrapNotFound(id, err)
	}
	return raw, nil
}

// List enumerates all published request ids, oldest first.
func (e *Exchange) List() ([]string, error) {
	entries, err := fs.ReadDir(e.root.FS(), ".")
	if err != nil {
		return nil, fmt.Errorf("listing exchange: %w", err)
	}
	type aged struct {
		id      string
		created time.Time
	}
	var all []aged
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		meta, err := e.ReadMeta(entry.Name())
		if err != nil {
			// a directory without metadata is not a request, anything
			// else is a storage problem worth surfacing
			if !errors.Is(err, fs.ErrNotExist) {
				slog.Warn("skipping request with unreadable metadata",
					"id", entry.Name(), "error", err)
			}
			continue
		}
		all = append(all, aged{id: entry.Name(), created: meta.CreatedAt})
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].created.Equal(all[j].created) {
			return all[i].created.Before(all[j].created)
		}
		return all[i].id < all[j].id
	})
	ids := make([]string, 0, len(all))
	for _, a := range all {
		ids = append(ids, a.id)
	}
	return ids, nil
}

// ListUnclaimed enumerates requests still in NEW state, oldest first. Only
// daemons call this.
func (e *Exchange) ListUnclaimed() ([]string, error) {
	ids, err := e.List()
	if err != nil {
		return nil, err
	}
	var unclaimed []string
	for _, id := range ids {
		state, err := e.ReadState(id)
		if err != nil {
			continue
		}
		if state != model.StateNew {
			continue
		}
		if _, err := e.root.Stat(path.Join(id, claimFile)); err == nil {
			// claim marker exists, state file just lags behind
			continue
		}
		unclaimed = append(unclaimed, id)
	}
	return unclaimed, nil
}

// Claim attempts to take exclusive ownership of a NEW request. Exactly one
// caller ever succeeds; everyone else gets ErrClaimConflict. This is the
// single mutual exclusion primitive of the protocol: an exclusive create of
// the claim marker.
func (e *Exchange) Claim(id, owner string) error {
	f, err := e.root.OpenFile(path.Join(id, claimFile), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("request %s: %w", id, model.ErrClaimConflict)
		}
		return e.wrapNotFound(id, err)
	}
	claim := model.Claim{
		Owner:     owner,
		PID:       os.Getpid(),
		ClaimedAt: time.Now().UTC(),
	}
	raw, err := json.Marshal(claim)
	if err != nil {
		_ = f.Close()
		return err
	}
	if _, err := f.Write(raw); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return e.Transition(id, model.StateNew, model.StateClaimed)
}

// Transition moves a request from one state to another. It fails with
// ErrInvalidTransition when the on-disk state does not match from or the
// edge is not part of the protocol. The new state is written via temp file
// plus rename so readers never observe a torn state word.
func (e *Exchange) Transition(id string, from, to model.State) error {
	current, err := e.ReadState(id)
	if err != nil {
		return err
	}
	if current != from {
		return fmt.Errorf("request %s is %s, expected %s: %w",
			id, current, from, model.ErrInvalidTransition)
	}
	if !from.CanTransition(to) {
		return fmt.Errorf("request %s: %s -> %s: %w",
			id, from, to, model.ErrInvalidTransition)
	}
	return e.replaceFile(id, stateFile, []byte(to))
}

// WriteHeartbeat records daemon liveness. Replaced atomically, never
// appended, so the client always reads exactly one timestamp.
func (e *Exchange) WriteHeartbeat(id string, at time.Time) error {
	return e.replaceFile(id, beatFile, []byte(at.UTC().Format(time.RFC3339Nano)))
}

// WriteFailure records the terminal failure detail.
func (e *Exchange) WriteFailure(id, detail string) error {
	return e.replaceFile(id, failureFile, []byte(detail))
}

// AppendLog adds one timestamped line to the request log.
func (e *Exchange) AppendLog(id, line string) error {
	f, err := e.root.OpenFile(path.Join(id, logFile), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return e.wrapNotFound(id, err)
	}
	stamp := time.Now().UTC().Format(time.RFC3339)
	if _, err := fmt.Fprintf(f, "%s %s\n", stamp, line); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// EnsureOutputDir creates the output subtree before the child process runs.
func (e *Exchange) EnsureOutputDir(id string) error {
	err := e.root.Mkdir(path.Join(id, outputDir), 0o755)
	if err != nil && !errors.Is(err, fs.ErrExist) {
		return e.wrapNotFound(id, err)
	}
	return nil
}

// Remove deletes a request and everything below it. Client-side cleanup
// only; the daemon never garbage-collects.
func (e *Exchange) Remove(id string) error {
	if _, err := e.root.Stat(id); err != nil {
		return fmt.Errorf("request %s: %w", id, model.ErrNotFound)
	}
	return e.root.RemoveAll(id)
}

// SelfTest verifies the two filesystem guarantees the protocol depends on:
// exclusive create fails on an existing file and rename within the exchange
// replaces atomically. Network shares differ here, so the daemon refuses to
// serve when the probe fails.
func (e *Exchange) SelfTest() error {
	probe := ".probe-" + uuid.NewString()
	if err := e.root.Mkdir(probe, 0o755); err != nil {
		return fmt.Errorf("exchange not writable: %w", err)
	}
	defer func() {
		_ = e.root.RemoveAll(probe)
	}()

	marker := path.Join(probe, "marker")
	f, err := e.root.OpenFile(marker, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("exclusive create failed: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	if _, err := e.root.OpenFile(marker, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644); !errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("exclusive create did not report an existing file: %v", err)
	}

	replacement := path.Join(probe, "replacement")
	if err := e.writeNew(replacement, []byte("b")); err != nil {
		return err
	}
	if err := e.root.Rename(replacement, marker); err != nil {
		return fmt.Errorf("rename over existing file failed: %w", err)
	}
	raw, err := e.root.ReadFile(marker)
	if err != nil {
		return err
	}
	if string(raw) != "b" {
		return fmt.Errorf("rename did not replace file content")
	}
	return nil
}
