package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// ChecksumFile is the manifest name kept next to locked config files.
const ChecksumFile = ".checksums"

// ChecksumManifest maps file base names to BLAKE3 hashes.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// LockedFile is one entry of a lock report.
type LockedFile struct {
	Path string
	Hash string
}

// LockReport lists what Lock hashed and which manifests it wrote.
type LockReport struct {
	Files     []LockedFile
	Manifests []string
	Written   bool
}

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// Lock hashes files and writes one manifest per directory. With dryRun the
// hashes are computed and reported but nothing is written.
func Lock(files []string, dryRun bool) (*LockReport, error) {
	report := &LockReport{}
	byDir := make(map[string]*ChecksumManifest)
	for _, path := range files {
		hash, err := ComputeBlake3Hash(path)
		if err != nil {
			return nil, fmt.Errorf("failed to hash %s: %w", path, err)
		}
		dir := filepath.Dir(path)
		m, ok := byDir[dir]
		if !ok {
			m = &ChecksumManifest{
				Version:     1,
				GeneratedAt: time.Now().UTC().Format(time.RFC3339),
				Hashes:      make(map[string]string),
			}
			byDir[dir] = m
		}
		m.Hashes[filepath.Base(path)] = hash
		report.Files = append(report.Files, LockedFile{Path: path, Hash: hash})
	}

	dirs := make([]string, 0, len(byDir))
	for dir := range byDir {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)
	for _, dir := range dirs {
		report.Manifests = append(report.Manifests, filepath.Join(dir, ChecksumFile))
	}
	if dryRun {
		return report, nil
	}

	for _, dir := range dirs {
		data, err := yaml.Marshal(byDir[dir])
		if err != nil {
			return nil, fmt.Errorf("failed to marshal checksums: %w", err)
		}
		// Restrictive permissions, the manifest guards secrets-bearing files.
		if err := os.WriteFile(filepath.Join(dir, ChecksumFile), data, 0600); err != nil {
			return nil, fmt.Errorf("failed to write checksums: %w", err)
		}
	}
	report.Written = true
	return report, nil
}

// LoadChecksums reads the manifest from a config directory.
func LoadChecksums(configDir string) (*ChecksumManifest, error) {
	data, err := os.ReadFile(filepath.Join(configDir, ChecksumFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("checksums file not found (run 'bexchange config lock')")
		}
		return nil, fmt.Errorf("failed to read checksums: %w", err)
	}

	var manifest ChecksumManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse checksums: %w", err)
	}
	if manifest.Version != 1 {
		return nil, fmt.Errorf("unsupported checksums version: %d", manifest.Version)
	}
	return &manifest, nil
}

// VerifyChecksums checks every file whose directory holds a manifest. A
// directory without a manifest is not verified.
func VerifyChecksums(paths []string) error {
	dirToFiles := make(map[string][]string)
	for _, path := range paths {
		dir := filepath.Dir(path)
		dirToFiles[dir] = append(dirToFiles[dir], path)
	}

	for dir, files := range dirToFiles {
		if _, err := os.Stat(filepath.Join(dir, ChecksumFile)); os.IsNotExist(err) {
			continue
		}
		checksums, err := LoadChecksums(dir)
		if err != nil {
			return err
		}

		for _, path := range files {
			basename := filepath.Base(path)
			expected, ok := checksums.Hashes[basename]
			if !ok {
				return fmt.Errorf("config file %s has no hash in %s\n"+
					"Run: bexchange config lock --config <file>", basename, filepath.Join(dir, ChecksumFile))
			}
			actual, err := ComputeBlake3Hash(path)
			if err != nil {
				return err
			}
			if actual != expected {
				return fmt.Errorf("config verification failed for %s: hash mismatch\n"+
					"This indicates tampering or unauthorized modification.\n"+
					"If you edited this file intentionally, run: bexchange config lock --config <file>", path)
			}
		}
	}
	return nil
}
