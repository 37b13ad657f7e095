package usecase

import (
	"livenote/internal/audio"
	"livenote/internal/metrics"
	"livenote/internal/ports"
)

// pumpAudioChunks forwards every chunk of one capture span to the channel. Send never
// blocks, so a slow transport cannot stall the chunker. When the span ends it reports
// a capture failure through onFailure.
func pumpAudioChunks(
	chunker *audio.Chunker,
	channel ports.SessionChannel,
	m *metrics.Metrics,
	onFailure func(error),
	done chan struct{},
) {
	defer close(done)

	for chunk := range chunker.Start() {
		m.RecordChunkCaptured(len(chunk.Payload))
		channel.Send(chunk)
	}

	if err := chunker.Err(); err != nil && onFailure != nil {
		onFailure(err)
	}
}
