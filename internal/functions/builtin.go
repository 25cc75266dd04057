package functions

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/rendis/flowcore/internal/isolation"
	"github.com/rendis/flowcore/pkg/schema"
)

const defaultMaxReadBytes = 50 * 1024 * 1024

// BuiltinConfig configures the local crypto and fs functions.
type BuiltinConfig struct {
	// Paths confines the fs functions. Empty WorkDirs allows any path.
	Paths        isolation.Limits
	MaxReadBytes int64
}

// RegisterBuiltins adds crypto.hash, crypto.hmac, crypto.uuid and the fs.*
// functions to r.
func RegisterBuiltins(r *Registry, cfg BuiltinConfig) error {
	if cfg.MaxReadBytes <= 0 {
		cfg.MaxReadBytes = defaultMaxReadBytes
	}
	fsf := &fileFuncs{cfg: cfg}
	builtins := []Function{
		&Func{FuncName: "crypto.hash", Fn: cryptoHash, Desc: Descriptor{
			Description: "Hex digest of data (sha256, sha384, sha512, sha1 or md5)",
			ArgsSchema:  []byte(`{"type":"object","properties":{"data":{"type":"string"},"algorithm":{"type":"string"}},"required":["data"]}`),
		}},
		&Func{FuncName: "crypto.hmac", Fn: cryptoHMAC, Desc: Descriptor{
			Description: "Hex HMAC of data under key",
			ArgsSchema:  []byte(`{"type":"object","properties":{"data":{"type":"string"},"key":{"type":"string"},"algorithm":{"type":"string"}},"required":["data","key"]}`),
		}},
		&Func{FuncName: "crypto.uuid", Fn: cryptoUUID, Desc: Descriptor{Description: "Random v4 UUID"}},
		&Func{FuncName: "fs.read", Fn: fsf.read, Desc: Descriptor{
			Description: "Read a file as text, or base64 when it is not valid UTF-8",
			ArgsSchema:  []byte(`{"type":"object","properties":{"path":{"type":"string","minLength":1},"encoding":{"enum":["auto","text","base64"]}},"required":["path"]}`),
		}},
		&Func{FuncName: "fs.write", Fn: fsf.write, Desc: Descriptor{
			Description: "Write content to a file, creating parent directories",
			ArgsSchema:  []byte(`{"type":"object","properties":{"path":{"type":"string","minLength":1},"content":{"type":"string"},"encoding":{"enum":["text","base64"]},"append":{"type":"boolean"}},"required":["path","content"]}`),
		}},
		&Func{FuncName: "fs.list", Fn: fsf.list, Desc: Descriptor{
			Description: "List the entries of a directory",
			ArgsSchema:  []byte(`{"type":"object","properties":{"path":{"type":"string","minLength":1},"pattern":{"type":"string"}},"required":["path"]}`),
		}},
		&Func{FuncName: "fs.stat", Fn: fsf.stat, Desc: Descriptor{
			Description: "Describe a file; exists is false when it is missing",
			ArgsSchema:  []byte(`{"type":"object","properties":{"path":{"type":"string","minLength":1}},"required":["path"]}`),
		}},
		&Func{FuncName: "fs.delete", Fn: fsf.delete, Desc: Descriptor{
			Description: "Remove a file, or a directory when recursive is set",
			ArgsSchema:  []byte(`{"type":"object","properties":{"path":{"type":"string","minLength":1},"recursive":{"type":"boolean"}},"required":["path"]}`),
		}},
	}
	for _, fn := range builtins {
		if err := r.Register(fn); err != nil {
			return err
		}
	}
	return nil
}

func hashFunc(algorithm string) (func() hash.Hash, error) {
	switch algorithm {
	case "", "sha256":
		return sha256.New, nil
	case "sha384":
		return sha512.New384, nil
	case "sha512":
		return sha512.New, nil
	case "sha1":
		return sha1.New, nil
	case "md5":
		return md5.New, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported hash algorithm %q", algorithm)
}

func cryptoHash(_ context.Context, args map[string]any) (any, error) {
	algorithm := stringArg(args, "algorithm", "sha256")
	newHash, err := hashFunc(algorithm)
	if err != nil {
		return nil, err
	}
	h := newHash()
	h.Write([]byte(stringArg(args, "data", "")))
	return map[string]any{"hash": hex.EncodeToString(h.Sum(nil)), "algorithm": algorithm}, nil
}

func cryptoHMAC(_ context.Context, args map[string]any) (any, error) {
	algorithm := stringArg(args, "algorithm", "sha256")
	newHash, err := hashFunc(algorithm)
	if err != nil {
		return nil, err
	}
	key, _ := args["key"].(string)
	mac := hmac.New(newHash, []byte(key))
	mac.Write([]byte(stringArg(args, "data", "")))
	return map[string]any{"hmac": hex.EncodeToString(mac.Sum(nil)), "algorithm": algorithm}, nil
}

func cryptoUUID(context.Context, map[string]any) (any, error) {
	return map[string]any{"uuid": uuid.NewString()}, nil
}

type fileFuncs struct {
	cfg BuiltinConfig
}

// resolve makes path absolute and checks it against the configured roots.
func (f *fileFuncs) resolve(name string, args map[string]any) (string, error) {
	raw := stringArg(args, "path", "")
	path, err := filepath.Abs(raw)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "%s: invalid path %q", name, raw)
	}
	if err := f.cfg.Paths.CheckDir(path); err != nil {
		return "", err
	}
	return path, nil
}

func ioError(name string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return schema.NewErrorf(schema.ErrCodeNotFound, "%s: %s", name, err.Error()).WithCause(err)
	}
	return schema.NewErrorf(schema.ErrCodeRuntime, "%s: %s", name, err.Error()).WithCause(err)
}

func fileInfo(path string, info fs.FileInfo) map[string]any {
	return map[string]any{
		"path":        path,
		"name":        info.Name(),
		"size":        info.Size(),
		"is_dir":      info.IsDir(),
		"modified_at": info.ModTime().UTC().Format(time.RFC3339),
		"permissions": fmt.Sprintf("%04o", info.Mode().Perm()),
	}
}

func (f *fileFuncs) read(_ context.Context, args map[string]any) (any, error) {
	path, err := f.resolve("fs.read", args)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, ioError("fs.read", err)
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, f.cfg.MaxReadBytes))
	if err != nil {
		return nil, ioError("fs.read", err)
	}

	enc := stringArg(args, "encoding", "auto")
	if enc == "auto" {
		enc = "text"
		if !utf8.Valid(data) {
			enc = "base64"
		}
	}
	content := string(data)
	if enc == "base64" {
		content = base64.StdEncoding.EncodeToString(data)
	}
	return map[string]any{"path": path, "content": content, "encoding": enc, "size": len(data)}, nil
}

func (f *fileFuncs) write(_ context.Context, args map[string]any) (any, error) {
	path, err := f.resolve("fs.write", args)
	if err != nil {
		return nil, err
	}
	data := []byte(stringArg(args, "content", ""))
	if stringArg(args, "encoding", "text") == "base64" {
		if data, err = base64.StdEncoding.DecodeString(string(data)); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "fs.write: invalid base64 content: %s", err.Error())
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, ioError("fs.write", err)
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if appendMode, _ := args["append"].(bool); appendMode {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	file, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, ioError("fs.write", err)
	}
	n, err := file.Write(data)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, ioError("fs.write", err)
	}
	return map[string]any{"path": path, "written": n}, nil
}

func (f *fileFuncs) list(_ context.Context, args map[string]any) (any, error) {
	path, err := f.resolve("fs.list", args)
	if err != nil {
		return nil, err
	}
	pattern := stringArg(args, "pattern", "")
	if pattern != "" {
		if _, err := filepath.Match(pattern, ""); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "fs.list: bad pattern %q", pattern)
		}
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, ioError("fs.list", err)
	}
	out := make([]any, 0, len(entries))
	for _, e := range entries {
		if pattern != "" {
			if ok, _ := filepath.Match(pattern, e.Name()); !ok {
				continue
			}
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, fileInfo(filepath.Join(path, e.Name()), info))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].(map[string]any)["name"].(string) < out[j].(map[string]any)["name"].(string)
	})
	return map[string]any{"path": path, "entries": out}, nil
}

func (f *fileFuncs) stat(_ context.Context, args map[string]any) (any, error) {
	path, err := f.resolve("fs.stat", args)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]any{"path": path, "exists": false}, nil
	}
	if err != nil {
		return nil, ioError("fs.stat", err)
	}
	out := fileInfo(path, info)
	out["exists"] = true
	return out, nil
}

func (f *fileFuncs) delete(_ context.Context, args map[string]any) (any, error) {
	path, err := f.resolve("fs.delete", args)
	if err != nil {
		return nil, err
	}
	if recursive, _ := args["recursive"].(bool); recursive {
		err = os.RemoveAll(path)
	} else {
		err = os.Remove(path)
	}
	if err != nil {
		return nil, ioError("fs.delete", err)
	}
	return map[string]any{"path": path, "deleted": true}, nil
}
