package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Reminder is a one-shot message delivered back into the chat thread it
// was created from.
type Reminder struct {
	ID        int64
	ChatID    int64
	ThreadID  int
	Message   string
	DueAt     time.Time
	Delivered bool
	CreatedAt time.Time
}

// Scheduler polls SQLite for due reminders and hands them to the trigger
// callback.
type Scheduler struct {
	db        *sql.DB
	logger    *slog.Logger
	tick      time.Duration
	now       func() time.Time
	mu        sync.Mutex
	inflight  map[int64]bool
	onTrigger func(ctx context.Context, r Reminder) error
}

func New(db *sql.DB, logger *slog.Logger) (*Scheduler, error) {
	if err := initSchema(db); err != nil {
		return nil, fmt.Errorf("initializing reminder schema: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		db:       db,
		logger:   logger,
		tick:     30 * time.Second,
		now:      time.Now,
		inflight: make(map[int64]bool),
	}, nil
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS reminders (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id INTEGER NOT NULL,
			thread_id INTEGER NOT NULL DEFAULT 0,
			message TEXT NOT NULL,
			due_at INTEGER NOT NULL,
			delivered BOOLEAN NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_reminders_due ON reminders(delivered, due_at);
	`)
	return err
}

// SetTickInterval changes how often due reminders are checked.
func (s *Scheduler) SetTickInterval(d time.Duration) {
	if d > 0 {
		s.tick = d
	}
}

// OnTrigger sets the callback invoked when a reminder is due. A nil error
// marks the reminder delivered; otherwise it is retried on the next tick.
func (s *Scheduler) OnTrigger(fn func(ctx context.Context, r Reminder) error) {
	s.onTrigger = fn
}

func (s *Scheduler) Create(ctx context.Context, r Reminder) (int64, error) {
	if strings.TrimSpace(r.Message) == "" {
		return 0, fmt.Errorf("reminder message is empty")
	}
	if r.DueAt.IsZero() {
		return 0, fmt.Errorf("reminder due time is missing")
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO reminders (chat_id, thread_id, message, due_at, created_at) VALUES (?, ?, ?, ?, ?)`,
		r.ChatID, r.ThreadID, r.Message, r.DueAt.Unix(), s.now().Unix(),
	)
	if err != nil {
		return 0, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	s.logger.Info("reminder scheduled", "id", id, "chat_id", r.ChatID, "thread_id", r.ThreadID, "due_at", r.DueAt)
	return id, nil
}

// Pending returns undelivered reminders ordered by due time.
func (s *Scheduler) Pending(ctx context.Context) ([]Reminder, error) {
	return s.query(ctx, "WHERE delivered = 0 ORDER BY due_at ASC")
}

func (s *Scheduler) Get(ctx context.Context, id int64) (*Reminder, error) {
	list, err := s.query(ctx, "WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, sql.ErrNoRows
	}
	return &list[0], nil
}

func (s *Scheduler) MarkDelivered(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, "UPDATE reminders SET delivered = 1 WHERE id = ?", id)
	return err
}

func (s *Scheduler) Delete(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM reminders WHERE id = ?", id)
	return err
}

// Start begins the tick loop. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) {
	go s.tickLoop(ctx)
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.checkAndFire(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkAndFire(ctx)
		}
	}
}

func (s *Scheduler) checkAndFire(ctx context.Context) {
	due, err := s.query(ctx, "WHERE delivered = 0 AND due_at <= ? ORDER BY due_at ASC", s.now().Unix())
	if err != nil {
		s.logger.Error("checking reminders", "error", err)
		return
	}

	var wg sync.WaitGroup
	for _, r := range due {
		s.mu.Lock()
		if s.inflight[r.ID] {
			s.mu.Unlock()
			continue
		}
		s.inflight[r.ID] = true
		s.mu.Unlock()

		wg.Add(1)
		go func(r Reminder) {
			defer wg.Done()
			s.fire(ctx, r)
		}(r)
	}
	wg.Wait()
}

func (s *Scheduler) fire(ctx context.Context, r Reminder) {
	defer func() {
		s.mu.Lock()
		delete(s.inflight, r.ID)
		s.mu.Unlock()
	}()

	s.logger.Info("firing reminder", "id", r.ID, "chat_id", r.ChatID, "thread_id", r.ThreadID)
	if s.onTrigger == nil {
		return
	}
	if err := s.onTrigger(ctx, r); err != nil {
		s.logger.Warn("reminder delivery failed", "id", r.ID, "error", err)
		return
	}
	if err := s.MarkDelivered(ctx, r.ID); err != nil {
		s.logger.Error("marking reminder delivered", "id", r.ID, "error", err)
	}
}

func (s *Scheduler) query(ctx context.Context, where string, args ...any) ([]Reminder, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, chat_id, thread_id, message, due_at, delivered, created_at FROM reminders "+where,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Reminder
	for rows.Next() {
		var (
			r            Reminder
			due, created int64
		)
		if err := rows.Scan(&r.ID, &r.ChatID, &r.ThreadID, &r.Message, &due, &r.Delivered, &created); err != nil {
			return nil, err
		}
		r.DueAt = time.Unix(due, 0)
		r.CreatedAt = time.Unix(created, 0)
		out = append(out, r)
	}
	return out, rows.Err()
}
