package mock

import (
	"context"
	"testing"
	"time"

	"github.com/harunnryd/lyra/pkg/adapters/stt"
	"github.com/harunnryd/lyra/pkg/audio"
)

func TestScriptedSTTWalksScript(t *testing.T) {
	recognizer := NewSTT(STTConfig{
		Language: "en",
		Script: []STTScriptEntry{
			{After: 10 * time.Millisecond, Transcription: stt.Transcription{Text: "open"}},
			{After: 30 * time.Millisecond, Transcription: stt.Transcription{Text: "open chrome", IsFinal: true}},
		},
	})
	in := make(chan audio.Chunk)
	out, err := recognizer.TranscribeStream(context.Background(), in)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}

	first := <-out
	if first.Text != "open" || first.IsFinal {
		t.Fatalf("unexpected first hypothesis: %+v", first)
	}
	second := <-out
	if second.Text != "open chrome" || !second.IsFinal {
		t.Fatalf("unexpected final: %+v", second)
	}
	if second.Language != "en" {
		t.Fatalf("expected config language applied, got %q", second.Language)
	}
	_ = recognizer.Close()
}

func TestScriptedSTTEmitAndClose(t *testing.T) {
	recognizer := NewSTT(STTConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out, err := recognizer.TranscribeStream(ctx, make(chan audio.Chunk))
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}

	recognizer.Emit(stt.Transcription{Text: "hello", IsFinal: true})
	tr := <-out
	if tr.Text != "hello" {
		t.Fatalf("unexpected transcription: %+v", tr)
	}
	if tr.At.IsZero() {
		t.Fatalf("expected timestamp stamped on emit")
	}

	if err := recognizer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := <-out; ok {
		t.Fatalf("expected output closed")
	}
	// Emitting after close must not panic.
	recognizer.Emit(stt.Transcription{Text: "late"})
}

func TestSilentTTSProducesChunks(t *testing.T) {
	synthesizer := NewTTS(TTSConfig{ChunkCount: 3, ChunkBytes: 160, SampleRate: 8000})
	out, err := synthesizer.SpeakStream(context.Background(), "hello there")
	if err != nil {
		t.Fatalf("speak: %v", err)
	}
	count := 0
	for chunk := range out {
		if chunk.Len() != 160 || chunk.Rate() != 8000 {
			t.Fatalf("unexpected chunk shape: %d bytes at %d hz", chunk.Len(), chunk.Rate())
		}
		count++
	}
	if count != 3 {
		t.Fatalf("expected 3 chunks, got %d", count)
	}
	if spoken := synthesizer.Spoken(); len(spoken) != 1 || spoken[0] != "hello there" {
		t.Fatalf("unexpected spoken record: %v", spoken)
	}
}

func TestSilentTTSStopCutsStream(t *testing.T) {
	synthesizer := NewTTS(TTSConfig{ChunkCount: 100, ChunkInterval: 20 * time.Millisecond})
	out, err := synthesizer.SpeakStream(context.Background(), "a very long reply")
	if err != nil {
		t.Fatalf("speak: %v", err)
	}
	<-out
	synthesizer.Stop()

	count := 1
	for range out {
		count++
	}
	if count >= 100 {
		t.Fatalf("stop did not cut the stream, got %d chunks", count)
	}
	if synthesizer.Stops() != 1 {
		t.Fatalf("expected one recorded stop, got %d", synthesizer.Stops())
	}
}

func TestKeywordAnalyzer(t *testing.T) {
	analyzer := NewKeywordAnalyzer()
	cases := []struct {
		text   string
		action string
		target string
	}{
		{"open chrome", "open", "chrome"},
		{"click the submit button", "click", "the submit button"},
		{"what time is it?", "question", "what time is it"},
		{"can you help me", "question", "can you help me"},
		{"", "none", ""},
	}
	for _, tc := range cases {
		it, err := analyzer.Analyze(context.Background(), tc.text, nil)
		if err != nil {
			t.Fatalf("analyze %q: %v", tc.text, err)
		}
		if it.Action != tc.action || it.Target != tc.target {
			t.Fatalf("analyze %q = %s/%s, want %s/%s", tc.text, it.Action, it.Target, tc.action, tc.target)
		}
		if it.Raw != tc.text {
			t.Fatalf("raw text not preserved: %q", it.Raw)
		}
	}
}

func TestKeywordAnalyzerInjectedError(t *testing.T) {
	analyzer := NewKeywordAnalyzer()
	analyzer.SetErr(context.DeadlineExceeded)
	if _, err := analyzer.Analyze(context.Background(), "open chrome", nil); err == nil {
		t.Fatalf("expected injected error")
	}
	analyzer.SetErr(nil)
	if _, err := analyzer.Analyze(context.Background(), "open chrome", nil); err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
}
