package bytegpt

import (
	"database/sql"
	"time"

	_ "modernc.org/sqlite"
)

// RunLog journals per-step and per-evaluation losses into a sqlite file so a
// finished run can be inspected or plotted after the fact. A nil *RunLog is
// a valid no-op sink.
type RunLog struct {
	db *sql.DB
}

// OpenRunLog opens (creating if needed) the journal database at path.
func OpenRunLog(path string) (*RunLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS steps(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts REAL NOT NULL,
			step INTEGER NOT NULL,
			loss REAL NOT NULL,
			lr REAL NOT NULL
		)`)
	if err != nil {
		db.Close()
		return nil, err
	}
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS evals(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts REAL NOT NULL,
			step INTEGER NOT NULL,
			split TEXT NOT NULL,
			loss REAL NOT NULL
		)`)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &RunLog{db: db}, nil
}

func now() float64 {
	return float64(time.Now().UnixMilli()) / 1000.0
}

// LogStep records one optimizer step.
func (l *RunLog) LogStep(step int, loss, lr float32) {
	if l == nil {
		return
	}
	l.db.Exec("INSERT INTO steps(ts, step, loss, lr) VALUES(?,?,?,?)", now(), step, loss, lr)
}

// LogEval records one per-split evaluation result.
func (l *RunLog) LogEval(step int, split string, loss float32) {
	if l == nil {
		return
	}
	l.db.Exec("INSERT INTO evals(ts, step, split, loss) VALUES(?,?,?,?)", now(), step, split, loss)
}

// EvalHistory returns the recorded (step, loss) series for one split in
// insertion order.
func (l *RunLog) EvalHistory(split string) ([]int, []float32, error) {
	if l == nil {
		return nil, nil, nil
	}
	rows, err := l.db.Query("SELECT step, loss FROM evals WHERE split = ? ORDER BY id", split)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	var steps []int
	var losses []float32
	for rows.Next() {
		var s int
		var v float32
		if err := rows.Scan(&s, &v); err != nil {
			return nil, nil, err
		}
		steps = append(steps, s)
		losses = append(losses, v)
	}
	return steps, losses, rows.Err()
}

// Close flushes and closes the journal.
func (l *RunLog) Close() error {
	if l == nil {
		return nil
	}
	return l.db.Close()
}
