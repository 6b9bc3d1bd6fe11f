// Command replay re-runs a recorded frame log against a fresh session and
// verifies that every frame digest matches. A mismatch means the sim is no
// longer deterministic with respect to the recorded build.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	"snapforge/internal/protocol"
	"snapforge/internal/sim/catalogs"
	"snapforge/internal/sim/session"
	"snapforge/internal/sim/tuning"
)

func main() {
	var (
		framesDir  = flag.String("frames", "", "frames dir containing frames-*.jsonl.zst")
		configDir  = flag.String("configs", "./configs", "config directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		sessionID  = flag.String("session", "session_1", "session id the log was recorded under")
		fromFrame  = flag.Uint64("from_frame", 0, "start verifying from frame (inclusive, optional)")
		toFrame    = flag.Uint64("to_frame", 0, "stop at frame (inclusive, optional)")
	)
	flag.Parse()

	if *framesDir == "" {
		fmt.Fprintln(os.Stderr, "missing -frames")
		os.Exit(2)
	}

	cats, err := catalogs.Load(*configDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load catalogs:", err)
		os.Exit(1)
	}

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if os.IsNotExist(err) {
			tune = tuning.Defaults()
		} else {
			fmt.Fprintln(os.Stderr, "load tuning:", err)
			os.Exit(1)
		}
	}

	start := make([]catalogs.ResourceCount, 0, len(tune.StartResources))
	ids := make([]string, 0, len(tune.StartResources))
	for id := range tune.StartResources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		start = append(start, catalogs.ResourceCount{Resource: id, Count: tune.StartResources[id]})
	}

	s, err := session.New(session.Config{
		ID:               *sessionID,
		Tuning:           tune,
		StartResources:   start,
		GroundHalfExtent: tune.GroundHalfExtent,
	}, cats, log.New(io.Discard, "", 0))
	if err != nil {
		fmt.Fprintln(os.Stderr, "session:", err)
		os.Exit(1)
	}

	files, err := listFrameFiles(*framesDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list frames:", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no frame files found in", *framesDir)
		os.Exit(1)
	}

	var checked uint64
	for _, path := range files {
		if err := replayFile(s, path, *fromFrame, *toFrame, &checked); err != nil {
			fmt.Fprintln(os.Stderr, "replay:", err)
			os.Exit(1)
		}
		if *toFrame != 0 && s.CurrentFrame() > *toFrame {
			break
		}
	}
	fmt.Printf("replay ok: checked=%d frames\n", checked)
}

func listFrameFiles(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "frames-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, filepath.Join(dir, name))
	}
	return out, nil
}

func replayFile(s *session.Session, path string, fromFrame, toFrame uint64, checked *uint64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)

	for sc.Scan() {
		line := sc.Bytes()
		var entry session.FrameLogEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
		}
		if toFrame != 0 && entry.Frame > toFrame {
			return nil
		}
		if entry.Frame != s.CurrentFrame() {
			return fmt.Errorf("frame mismatch: want=%d got=%d (file=%s)", s.CurrentFrame(), entry.Frame, filepath.Base(path))
		}

		// Builder ids are assigned in join order, so re-joining with the
		// recorded names reproduces the recorded ids.
		joins := make([]session.JoinRequest, 0, len(entry.Joins))
		for _, j := range entry.Joins {
			joins = append(joins, session.JoinRequest{Name: j.Name})
		}

		frames := make([]session.FrameEnvelope, 0, len(entry.Inputs))
		for _, in := range entry.Inputs {
			frames = append(frames, session.FrameEnvelope{
				BuilderID: in.BuilderID,
				Msg: protocol.FrameMsg{
					Type:            protocol.TypeFrame,
					ProtocolVersion: protocol.Version,
					BuilderID:       in.BuilderID,
					Input:           in.Input,
				},
			})
		}

		frame, gotDigest := s.StepOnce(joins, entry.Leaves, frames)
		if frame != entry.Frame {
			return fmt.Errorf("internal frame mismatch: stepped=%d entry=%d (file=%s)", frame, entry.Frame, filepath.Base(path))
		}

		if frame >= fromFrame {
			*checked++
			if gotDigest != entry.Digest {
				return fmt.Errorf("digest mismatch at frame %d: got=%s want=%s", frame, gotDigest, entry.Digest)
			}
		}
	}
	return sc.Err()
}
