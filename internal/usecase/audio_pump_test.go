package usecase

import (
	"errors"
	"testing"
	"time"

	"livenote/internal/audio"
)

func TestPumpAudioChunksForwardsUntilStopped(t *testing.T) {
	t.Parallel()

	source := newFakeAudioSession()
	channel := newFakeChannel()
	chunker := audio.NewChunker(source, audio.ChunkerConfig{Interval: time.Hour})
	done := make(chan struct{})
	failed := make(chan error, 1)

	go pumpAudioChunks(chunker, channel, nil, func(err error) { failed <- err }, done)
	source.data <- []byte("abcd")
	if err := chunker.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	<-done

	sent := channel.snapshotSent()
	if len(sent) != 1 || string(sent[0].Payload) != "abcd" || !sent[0].Final {
		t.Fatalf("unexpected chunks: %+v", describeChunks(sent))
	}
	select {
	case err := <-failed:
		t.Fatalf("unexpected capture failure: %v", err)
	default:
	}
}

func TestPumpAudioChunksReportsCaptureFailure(t *testing.T) {
	t.Parallel()

	source := newFakeAudioSession()
	channel := newFakeChannel()
	chunker := audio.NewChunker(source, audio.ChunkerConfig{Interval: time.Hour})
	done := make(chan struct{})
	failed := make(chan error, 1)

	go pumpAudioChunks(chunker, channel, nil, func(err error) { failed <- err }, done)
	source.fail <- errors.New("device unplugged")
	<-done

	select {
	case err := <-failed:
		if !errors.Is(err, audio.ErrCaptureFailed) {
			t.Fatalf("expected ErrCaptureFailed, got %v", err)
		}
	default:
		t.Fatalf("expected capture failure to be reported")
	}
	if sent := channel.snapshotSent(); len(sent) != 1 || !sent[0].Final {
		t.Fatalf("expected a final chunk before failure, got %+v", describeChunks(sent))
	}
}
