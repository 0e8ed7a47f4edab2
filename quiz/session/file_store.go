package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kuntalrambabu/arsnova-live/quiz/engine"
)

// FileStore implements QuizStore on the local filesystem. Definitions live as
// <hashtag>.json under quizzes/, results as <hashtag>.json under results/.
type FileStore struct {
	quizzesDir string
	resultsDir string
}

// NewFileStore creates the backing directories if needed.
func NewFileStore(dataDir string) (*FileStore, error) {
	quizzesDir := filepath.Join(dataDir, "quizzes")
	resultsDir := filepath.Join(dataDir, "results")

	for _, dir := range []string{quizzesDir, resultsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	return &FileStore{
		quizzesDir: quizzesDir,
		resultsDir: resultsDir,
	}, nil
}

// LoadQuiz reads a quiz definition by hashtag.
func (fs *FileStore) LoadQuiz(hashtag string) (*engine.QuizDefinition, error) {
	path := fs.quizPath(hashtag)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to read quiz file: %w", err)
	}

	var def engine.QuizDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal quiz definition: %w", err)
	}
	return &def, nil
}

// SaveQuiz writes a quiz definition.
func (fs *FileStore) SaveQuiz(def *engine.QuizDefinition) error {
	if def == nil {
		return fmt.Errorf("quiz definition cannot be nil")
	}

	data, err := json.MarshalIndent(def, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal quiz definition: %w", err)
	}
	if err := os.WriteFile(fs.quizPath(def.Hashtag), data, 0644); err != nil {
		return fmt.Errorf("failed to write quiz file: %w", err)
	}
	return nil
}

// SaveResults writes the final answers for a closed session.
func (fs *FileStore) SaveResults(hashtag string, results map[string]map[int]string) error {
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}
	path := filepath.Join(fs.resultsDir, fmt.Sprintf("%s.json", strings.ToLower(hashtag)))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write results file: %w", err)
	}
	return nil
}

// Exists reports whether a quiz definition file is present.
func (fs *FileStore) Exists(hashtag string) bool {
	_, err := os.Stat(fs.quizPath(hashtag))
	return err == nil
}

// ListQuizzes returns the hashtags of all stored quiz definitions.
func (fs *FileStore) ListQuizzes() ([]string, error) {
	entries, err := os.ReadDir(fs.quizzesDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read quizzes directory: %w", err)
	}

	var hashtags []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, ".json") {
			hashtags = append(hashtags, strings.TrimSuffix(name, ".json"))
		}
	}
	return hashtags, nil
}

func (fs *FileStore) quizPath(hashtag string) string {
	return filepath.Join(fs.quizzesDir, fmt.Sprintf("%s.json", strings.ToLower(hashtag)))
}
