package exec

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"kimp-arb-bot/internal/state"
)

const (
	journalOpenPrefix = "exec:open:"
	journalDonePrefix = "exec:done:"
)

// Journal persists execution rounds that reached order submission. Records
// stay under the open prefix until they are settled and acknowledged.
type Journal struct {
	store state.Store
}

func NewJournal(store state.Store) *Journal {
	return &Journal{store: store}
}

func (j *Journal) Save(ctx context.Context, res Result) error {
	if j == nil || j.store == nil {
		return nil
	}
	payload, err := encodeResult(res)
	if err != nil {
		return err
	}
	if res.Settled() && res.Acknowledged {
		if err := j.store.Set(ctx, journalDonePrefix+res.ID, payload); err != nil {
			return err
		}
		return j.store.Delete(ctx, journalOpenPrefix+res.ID)
	}
	return j.store.Set(ctx, journalOpenPrefix+res.ID, payload)
}

func (j *Journal) Load(ctx context.Context, id string) (Result, bool, error) {
	if j == nil || j.store == nil {
		return Result{}, false, nil
	}
	for _, prefix := range []string{journalOpenPrefix, journalDonePrefix} {
		raw, ok, err := j.store.Get(ctx, prefix+id)
		if err != nil {
			return Result{}, false, err
		}
		if ok {
			res, err := decodeResult(raw)
			return res, err == nil, err
		}
	}
	return Result{}, false, nil
}

// Open returns every record that still needs recovery or acknowledgement.
func (j *Journal) Open(ctx context.Context) ([]Result, error) {
	if j == nil || j.store == nil {
		return nil, nil
	}
	entries, err := j.store.List(ctx, journalOpenPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]Result, 0, len(entries))
	var errs []error
	for _, entry := range entries {
		res, err := decodeResult(entry.Value)
		if err != nil {
			errs = append(errs, errors.New(strings.TrimPrefix(entry.Key, journalOpenPrefix)+": "+err.Error()))
			continue
		}
		out = append(out, res)
	}
	return out, errors.Join(errs...)
}

func encodeResult(res Result) (string, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(res); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func decodeResult(raw string) (Result, error) {
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return Result{}, err
	}
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	var res Result
	if err := dec.Decode(&res); err != nil {
		return Result{}, err
	}
	return res, nil
}
