// Package worker runs the long-running worker loops that drain the job
// queues, call the downstream services through their circuit breakers, and
// drive job status transitions.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/fairyhunter13/ai-med-transcriber/internal/adapter/downstream"
	"github.com/fairyhunter13/ai-med-transcriber/internal/circuitbreaker"
	"github.com/fairyhunter13/ai-med-transcriber/internal/domain"
	"github.com/fairyhunter13/ai-med-transcriber/internal/errclass"
	"github.com/fairyhunter13/ai-med-transcriber/internal/monitoring"
)

// MetricSink is the slice of the monitor the workers feed. Nil sinks are
// allowed and skip the recording.
type MetricSink interface {
	Record(name string, value float64, tags map[string]string)
}

// ProcessError carries the downstream service a processing failure is
// attributed to, so classification and the breaker consult the right state.
type ProcessError struct {
	Service string
	Err     error
}

func (e *ProcessError) Error() string { return e.Service + ": " + e.Err.Error() }
func (e *ProcessError) Unwrap() error { return e.Err }

// Transcriber is the slice of the transcription client the pipeline needs.
type Transcriber interface {
	Transcribe(ctx context.Context, audioB64, filename, language string) (downstream.TranscriptionResult, error)
}

// NoteAgent is the slice of the agent client the pipeline needs.
type NoteAgent interface {
	GenerateNote(ctx context.Context, req downstream.NoteRequest) (downstream.NoteResult, error)
}

// Pipeline executes one job against the downstream services. Payload fields
// are read only here, at the call boundary; the store and queues treat them
// as opaque.
type Pipeline struct {
	transcriber Transcriber
	agent       NoteAgent
	breakers    *circuitbreaker.Registry
	metrics     MetricSink
}

// NewPipeline wires the processing pipeline.
func NewPipeline(t Transcriber, a NoteAgent, breakers *circuitbreaker.Registry, metrics MetricSink) *Pipeline {
	return &Pipeline{transcriber: t, agent: a, breakers: breakers, metrics: metrics}
}

// observeCall feeds the downstream latency series the alert rules read.
func (p *Pipeline) observeCall(service string, start time.Time) {
	if p.metrics == nil {
		return
	}
	p.metrics.Record(monitoring.SeriesDownstreamMs,
		float64(time.Since(start).Milliseconds()),
		map[string]string{"service": service})
}

// Process runs the job-type pipeline: audio_processing transcribes then
// generates the note, transcription_only stops after the transcript,
// text_processing goes straight to the agent.
func (p *Pipeline) Process(ctx context.Context, job domain.Job) (map[string]any, *ProcessError) {
	switch job.Type {
	case domain.JobTypeAudioProcessing:
		tr, perr := p.transcribe(ctx, job)
		if perr != nil {
			return nil, perr
		}
		note, perr := p.generateNote(ctx, job, tr.Transcript)
		if perr != nil {
			return nil, perr
		}
		return map[string]any{
			"transcript": tr.Transcript,
			"confidence": tr.Confidence,
			"note":       note.Note,
			"model":      note.Model,
		}, nil

	case domain.JobTypeTranscriptionOnly:
		tr, perr := p.transcribe(ctx, job)
		if perr != nil {
			return nil, perr
		}
		return map[string]any{
			"transcript": tr.Transcript,
			"confidence": tr.Confidence,
			"duration_s": tr.DurationS,
		}, nil

	case domain.JobTypeTextProcessing:
		text, _ := job.Payload["text"].(string)
		if text == "" {
			return nil, &ProcessError{
				Service: errclass.ServiceAgent,
				Err:     fmt.Errorf("payload missing text field: %w", domain.ErrInvalidArgument),
			}
		}
		note, perr := p.generateNote(ctx, job, text)
		if perr != nil {
			return nil, perr
		}
		return map[string]any{"note": note.Note, "model": note.Model}, nil

	default:
		return nil, &ProcessError{
			Service: errclass.ServiceAgent,
			Err:     fmt.Errorf("unknown job type %q: %w", job.Type, domain.ErrInvalidArgument),
		}
	}
}

func (p *Pipeline) transcribe(ctx context.Context, job domain.Job) (downstream.TranscriptionResult, *ProcessError) {
	audio, _ := job.Payload["audio"].(string)
	filename, _ := job.Payload["filename"].(string)
	language, _ := job.Payload["language"].(string)
	if audio == "" {
		return downstream.TranscriptionResult{}, &ProcessError{
			Service: errclass.ServiceTranscription,
			Err:     fmt.Errorf("payload missing audio field: %w", domain.ErrInvalidArgument),
		}
	}
	var out downstream.TranscriptionResult
	start := time.Now()
	err := p.breakers.Execute(ctx, errclass.ServiceTranscription, func(ctx context.Context) error {
		var callErr error
		out, callErr = p.transcriber.Transcribe(ctx, audio, filename, language)
		return callErr
	}, nil)
	p.observeCall(errclass.ServiceTranscription, start)
	if err != nil {
		return downstream.TranscriptionResult{}, &ProcessError{Service: errclass.ServiceTranscription, Err: err}
	}
	return out, nil
}

func (p *Pipeline) generateNote(ctx context.Context, job domain.Job, transcript string) (downstream.NoteResult, *ProcessError) {
	template, _ := job.Payload["template"].(string)
	var out downstream.NoteResult
	start := time.Now()
	err := p.breakers.Execute(ctx, errclass.ServiceAgent, func(ctx context.Context) error {
		var callErr error
		out, callErr = p.agent.GenerateNote(ctx, downstream.NoteRequest{
			Transcript: transcript,
			Template:   template,
			SessionID:  job.SessionID,
		})
		return callErr
	}, nil)
	p.observeCall(errclass.ServiceAgent, start)
	if err != nil {
		return downstream.NoteResult{}, &ProcessError{Service: errclass.ServiceAgent, Err: err}
	}
	p.recordTokens(transcript, out.Note)
	return out, nil
}

// recordTokens feeds the token series when the agent client can count
// tokens (the fakes in tests cannot, and that is fine).
func (p *Pipeline) recordTokens(transcript, note string) {
	if p.metrics == nil {
		return
	}
	counter, ok := p.agent.(interface{ TokenCount(string) int })
	if !ok {
		return
	}
	if n := counter.TokenCount(transcript) + counter.TokenCount(note); n > 0 {
		p.metrics.Record(monitoring.SeriesDownstreamTokens, float64(n),
			map[string]string{"service": errclass.ServiceAgent})
	}
}
