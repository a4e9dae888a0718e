package store

import (
	"database/sql"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/e7canasta/poselive/internal/types"
)

// PoseTableName is the table holding one row per pose sample.
const PoseTableName = "df_with_missing"

var coords = []string{"x", "y", "likelihood"}

// Columns returns the pose table's data columns in order: x, y and
// likelihood for every body part, then frame_time and pose_time.
func Columns(bodyparts []string) []string {
	cols := make([]string, 0, len(bodyparts)*3+2)
	for _, bp := range bodyparts {
		for _, c := range coords {
			cols = append(cols, bp+"_"+c)
		}
	}
	return append(cols, "frame_time", "pose_time")
}

// SavePoses writes samples to a new SQLite file at path, replacing any
// existing file. Every sample must have one keypoint per body part.
func SavePoses(path string, bodyparts []string, samples []types.PoseSample) error {
	if len(bodyparts) == 0 {
		return fmt.Errorf("no bodyparts")
	}
	seen := make(map[string]bool, len(bodyparts))
	for _, bp := range bodyparts {
		if bp == "" || seen[bp] {
			return fmt.Errorf("invalid or duplicate bodypart %q", bp)
		}
		seen[bp] = true
	}
	for i, s := range samples {
		if len(s.Pose) != len(bodyparts) {
			return fmt.Errorf("sample %d has %d keypoints for %d bodyparts", i, len(s.Pose), len(bodyparts))
		}
	}

	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".tmp")
	os.Remove(tmp)
	defer os.Remove(tmp)

	if err := writePoseTable(tmp, bodyparts, samples); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to save pose table: %w", err)
	}
	return nil
}

func writePoseTable(path string, bodyparts []string, samples []types.PoseSample) error {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return fmt.Errorf("failed to open pose table: %w", err)
	}
	defer db.Close()

	cols := Columns(bodyparts)
	quoted := make([]string, len(cols))
	defs := make([]string, len(cols))
	marks := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
		defs[i] = quoted[i] + " REAL"
		marks[i] = "?"
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	schema := []string{
		fmt.Sprintf(`CREATE TABLE %s (frame INTEGER PRIMARY KEY, %s)`,
			PoseTableName, strings.Join(defs, ", ")),
		`CREATE TABLE columns (position INTEGER PRIMARY KEY, name TEXT NOT NULL, bodypart TEXT, coord TEXT)`,
	}
	for _, q := range schema {
		if _, err := tx.Exec(q); err != nil {
			return fmt.Errorf("failed to create tables: %w", err)
		}
	}

	for i, bp := range bodyparts {
		for j, c := range coords {
			if _, err := tx.Exec(`INSERT INTO columns (position, name, bodypart, coord) VALUES (?, ?, ?, ?)`,
				i*3+j, bp+"_"+c, bp, c); err != nil {
				return fmt.Errorf("failed to write column map: %w", err)
			}
		}
	}
	for j, name := range []string{"frame_time", "pose_time"} {
		if _, err := tx.Exec(`INSERT INTO columns (position, name) VALUES (?, ?)`,
			len(bodyparts)*3+j, name); err != nil {
			return fmt.Errorf("failed to write column map: %w", err)
		}
	}

	stmt, err := tx.Prepare(fmt.Sprintf(`INSERT INTO %s (frame, %s) VALUES (?, %s)`,
		PoseTableName, strings.Join(quoted, ", "), strings.Join(marks, ", ")))
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	args := make([]any, len(cols)+1)
	for n, s := range samples {
		args[0] = n
		for i, kp := range s.Pose {
			args[1+i*3], args[2+i*3], args[3+i*3] = kp.X, kp.Y, kp.Likelihood
		}
		args[len(cols)-1] = types.Seconds(s.FrameTime)
		args[len(cols)] = types.Seconds(s.PoseTime)
		if _, err := stmt.Exec(args...); err != nil {
			return fmt.Errorf("failed to insert row %d: %w", n, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit pose table: %w", err)
	}
	return nil
}

// LoadPoses reads a pose table written by SavePoses.
func LoadPoses(path string) ([]string, []types.PoseSample, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, nil, err
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open pose table: %w", err)
	}
	defer db.Close()

	rows, err := db.Query(`SELECT bodypart FROM columns WHERE coord = 'x' ORDER BY position`)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read column map: %w", err)
	}
	var bodyparts []string
	for rows.Next() {
		var bp string
		if err := rows.Scan(&bp); err != nil {
			rows.Close()
			return nil, nil, err
		}
		bodyparts = append(bodyparts, bp)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	cols := Columns(bodyparts)
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
	}
	rows, err = db.Query(fmt.Sprintf(`SELECT %s FROM %s ORDER BY frame`,
		strings.Join(quoted, ", "), PoseTableName))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read poses: %w", err)
	}
	defer rows.Close()

	var samples []types.PoseSample
	nulls := make([]sql.NullFloat64, len(cols))
	vals := make([]float64, len(cols))
	ptrs := make([]any, len(cols))
	for i := range nulls {
		ptrs[i] = &nulls[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, fmt.Errorf("failed to scan pose row: %w", err)
		}
		// SQLite stores NaN (missing keypoint) as NULL
		for i, n := range nulls {
			vals[i] = math.NaN()
			if n.Valid {
				vals[i] = n.Float64
			}
		}
		pose := make(types.Pose, len(bodyparts))
		for i := range pose {
			pose[i] = types.Keypoint{X: vals[i*3], Y: vals[i*3+1], Likelihood: vals[i*3+2]}
		}
		samples = append(samples, types.PoseSample{
			Pose:      pose,
			FrameSeq:  uint64(len(samples)),
			FrameTime: types.FromSeconds(vals[len(cols)-2]),
			PoseTime:  types.FromSeconds(vals[len(cols)-1]),
		})
	}
	return bodyparts, samples, rows.Err()
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
