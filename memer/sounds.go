package memer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var ErrSoundNotFound = errors.New("sound not found")

// allowedSoundExtensions are the file types accepted for playback and
// upload.
var allowedSoundExtensions = map[string]bool{
	".mp3": true,
	".wav": true,
	".ogg": true,
}

// sanitizeSoundName strips any path components and rejects names that
// could escape the sounds directory.
func sanitizeSoundName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("empty sound name")
	}
	base := filepath.Base(filepath.Clean(name))
	if base == "." || base == ".." || base != name {
		return "", fmt.Errorf("invalid sound name: %q", name)
	}
	if strings.ContainsAny(base, `/\`) {
		return "", fmt.Errorf("invalid sound name: %q", name)
	}
	return base, nil
}

// SoundFile describes one playable file in the sounds directory.
type SoundFile struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// listSoundFiles returns the playable files in the sounds directory
// with their sizes, sorted by name (without extension). When two files
// share a name with different extensions, the first wins, matching
// resolveSoundPath.
func listSoundFiles(dir string) ([]SoundFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	seen := map[string]bool{}
	var files []SoundFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if !allowedSoundExtensions[ext] {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		if seen[name] {
			continue
		}
		seen[name] = true
		info, infoErr := entry.Info()
		if infoErr != nil {
			return nil, infoErr
		}
		files = append(files, SoundFile{Name: name, Size: info.Size()})
	}
	sort.Slice(
		files, func(i, j int) bool {
			return files[i].Name < files[j].Name
		},
	)
	return files, nil
}

// listSounds returns the playable sound names (without extensions) in
// the sounds directory, sorted.
func listSounds(dir string) ([]string, error) {
	files, err := listSoundFiles(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, f.Name)
	}
	return names, nil
}

// resolveSoundPath finds the file for a sound name, with or without
// an extension.
func resolveSoundPath(dir string, name string) (string, error) {
	name, err := sanitizeSoundName(name)
	if err != nil {
		return "", err
	}

	ext := strings.ToLower(filepath.Ext(name))
	if allowedSoundExtensions[ext] {
		path := filepath.Join(dir, name)
		if _, statErr := os.Stat(path); statErr == nil {
			return path, nil
		}
		return "", fmt.Errorf("%w: %s", ErrSoundNotFound, name)
	}

	for soundExt := range allowedSoundExtensions {
		path := filepath.Join(dir, name+soundExt)
		if _, statErr := os.Stat(path); statErr == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrSoundNotFound, name)
}

// countSounds returns the number of playable files in the directory.
func countSounds(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	count := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if allowedSoundExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			count++
		}
	}
	return count, nil
}
