// Package remotescan runs the scan program on the remote host and
// decodes its output. The wire format is a self-describing JSON array;
// nothing else is accepted, since decoding untrusted bytes as a
// language object graph would hand the remote host code execution.
package remotescan

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rccypher/rapidcopy/internal/model"
)

var ErrWire = errors.New("remotescan: invalid scan data format")

// wireFile is the JSON shape the remote scan program emits. Timestamps
// are Unix floats.
type wireFile struct {
	Name              string     `json:"name"`
	Size              int64      `json:"size"`
	IsDir             bool       `json:"is_dir"`
	TimestampCreated  *float64   `json:"timestamp_created,omitempty"`
	TimestampModified *float64   `json:"timestamp_modified,omitempty"`
	Children          []wireFile `json:"children,omitempty"`
}

// Decode parses the scan program's output into SystemFile trees.
func Decode(out []byte) ([]model.SystemFile, error) {
	var wire []wireFile
	if err := json.Unmarshal(out, &wire); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWire, err)
	}
	files := make([]model.SystemFile, 0, len(wire))
	for _, wf := range wire {
		f, err := fromWire(wf)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, nil
}

// Encode is the inverse of Decode; Decode(Encode(files)) is identity
// on everything but sub-microsecond timestamp precision.
func Encode(files []model.SystemFile) ([]byte, error) {
	wire := make([]wireFile, 0, len(files))
	for _, f := range files {
		wire = append(wire, toWire(f))
	}
	return json.Marshal(wire)
}

func fromWire(wf wireFile) (model.SystemFile, error) {
	if wf.Size < 0 {
		return model.SystemFile{}, fmt.Errorf("%w: negative size for %q", ErrWire, wf.Name)
	}
	if !wf.IsDir && len(wf.Children) > 0 {
		return model.SystemFile{}, fmt.Errorf("%w: non-directory %q has children", ErrWire, wf.Name)
	}
	f := model.SystemFile{
		Name:         wf.Name,
		Size:         wf.Size,
		IsDir:        wf.IsDir,
		TimeCreated:  unixFloat(wf.TimestampCreated),
		TimeModified: unixFloat(wf.TimestampModified),
	}
	for _, wc := range wf.Children {
		c, err := fromWire(wc)
		if err != nil {
			return model.SystemFile{}, err
		}
		f.Children = append(f.Children, c)
	}
	return f, nil
}

func toWire(f model.SystemFile) wireFile {
	wf := wireFile{
		Name:              f.Name,
		Size:              f.Size,
		IsDir:             f.IsDir,
		TimestampCreated:  toUnixFloat(f.TimeCreated),
		TimestampModified: toUnixFloat(f.TimeModified),
	}
	for _, c := range f.Children {
		wf.Children = append(wf.Children, toWire(c))
	}
	return wf
}

func unixFloat(v *float64) *time.Time {
	if v == nil {
		return nil
	}
	sec, frac := math.Modf(*v)
	t := time.Unix(int64(sec), int64(frac*1e9))
	return &t
}

func toUnixFloat(t *time.Time) *float64 {
	if t == nil {
		return nil
	}
	v := float64(t.Unix()) + float64(t.Nanosecond())/1e9
	return &v
}
