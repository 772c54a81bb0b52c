package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"taskbot/pkg/logx"
)

// Service is the Extractor backed by a Completer. It never fails a user
// request because of the model: every error degrades to Fallback.
type Service struct {
	c       Completer
	log     logx.Logger
	timeout time.Duration
}

func NewService(c Completer, timeout time.Duration, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Service{c: c, log: log, timeout: timeout}
}

// New builds the configured provider. Provider "none" (or empty) yields a
// Service that only produces fallback extractions.
func New(cfg Config, log logx.Logger) (*Service, error) {
	var c Completer
	switch p := strings.ToLower(strings.TrimSpace(cfg.Provider)); p {
	case "", "none":
	case "deepseek":
		ds, err := NewDeepSeek(cfg)
		if err != nil {
			return nil, err
		}
		c = ds
	case "ollama":
		c = NewOllama(cfg)
	default:
		return nil, fmt.Errorf("unknown llm provider %q (supported: deepseek, ollama, none)", cfg.Provider)
	}
	return NewService(c, cfg.Timeout, log), nil
}

func (s *Service) Provider() string {
	if s.c == nil {
		return "none"
	}
	return s.c.Name()
}

func (s *Service) Extract(ctx context.Context, text string, now time.Time) (Extraction, error) {
	if strings.TrimSpace(text) == "" {
		return Extraction{}, fmt.Errorf("empty task text")
	}
	if s.c == nil {
		return Fallback(text), nil
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	reply, err := s.c.Complete(cctx, extractSystem, extractPrompt(text, now))
	if err != nil {
		s.log.Warn("extraction failed, using fallback", logx.String("provider", s.c.Name()), logx.Err(err))
		return Fallback(text), nil
	}
	ex, err := parseExtraction(reply, text)
	if err != nil {
		s.log.Warn("unusable extraction reply, using fallback", logx.String("provider", s.c.Name()), logx.Err(err))
		return Fallback(text), nil
	}
	s.log.Debug("extracted task",
		logx.String("provider", s.c.Name()),
		logx.Duration("took", time.Since(start)),
		logx.String("due_date", ex.DueDate),
		logx.String("due_time", ex.DueTime),
		logx.String("priority", string(ex.Priority)),
	)
	return ex, nil
}

func (s *Service) ConditionQuestion(ctx context.Context, title string, conditions []string) (string, error) {
	if s.c == nil || len(conditions) == 0 {
		return fallbackQuestion(title, conditions), nil
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	reply, err := s.c.Complete(cctx, questionSystem, questionPrompt(title, conditions))
	reply = strings.TrimSpace(reply)
	if err != nil || reply == "" {
		if err != nil {
			s.log.Debug("condition question failed", logx.Err(err))
		}
		return fallbackQuestion(title, conditions), nil
	}
	return reply, nil
}
