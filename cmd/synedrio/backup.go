package main

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/mtzanidakis/synedrio/internal/config"
	"github.com/mtzanidakis/synedrio/internal/logger"
	"github.com/mtzanidakis/synedrio/internal/store"
)

// Archive sections. Every entry lives under one of these top-level names.
const (
	sectionStore = "store"
	sectionNATS  = "nats"
)

func runBackup(args []string) error {
	outputPath, _, err := parseArchiveArgs(args)
	if err != nil || outputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: synedrio backup -f <output.tar.zst>\n")
		if err == nil {
			err = fmt.Errorf("missing -f flag")
		}
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Install(cfg.Log)

	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	tmp, err := os.MkdirTemp("", "synedrio-backup-")
	if err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	snapshot := filepath.Join(tmp, filepath.Base(cfg.Store.Path))
	if err := db.Snapshot(snapshot); err != nil {
		return err
	}

	files, err := writeArchive(outputPath, snapshot, cfg.NATS.DataDir)
	if err != nil {
		return err
	}

	info, _ := os.Stat(outputPath)
	size := int64(0)
	if info != nil {
		size = info.Size()
	}

	fmt.Printf("Backup complete: %d files, %s\n", files, formatSize(size))
	return nil
}

func runRestore(args []string) error {
	inputPath, overwrite, err := parseArchiveArgs(args)
	if err != nil || inputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: synedrio restore -f <backup.tar.zst> [-overwrite]\n")
		if err == nil {
			err = fmt.Errorf("missing -f flag")
		}
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Install(cfg.Log)

	files, err := extractArchive(inputPath, cfg.Store.Path, cfg.NATS.DataDir, overwrite)
	if err != nil {
		return err
	}
	fmt.Printf("Restore complete: %d files\n", files)
	return nil
}

func parseArchiveArgs(args []string) (file string, overwrite bool, err error) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f":
			if i+1 >= len(args) {
				return "", false, fmt.Errorf("missing value for -f")
			}
			i++
			file = args[i]
		case "-overwrite":
			overwrite = true
		default:
			return "", false, fmt.Errorf("unknown flag %s", args[i])
		}
	}
	return file, overwrite, nil
}

// writeArchive writes dbFile under store/ and the contents of natsDir under
// nats/ into a zstd-compressed tar at outputPath. A missing natsDir is
// skipped.
func writeArchive(outputPath, dbFile, natsDir string) (int, error) {
	f, err := os.Create(outputPath)
	if err != nil {
		return 0, fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return 0, fmt.Errorf("create zstd writer: %w", err)
	}
	defer zw.Close()

	tw := tar.NewWriter(zw)
	defer tw.Close()

	files := 0
	if err := addFile(tw, dbFile, path.Join(sectionStore, filepath.Base(dbFile))); err != nil {
		return 0, err
	}
	files++

	if _, err := os.Stat(natsDir); err == nil {
		slog.Info("backing up event store", "dir", natsDir)
		err := filepath.WalkDir(natsDir, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.Type().IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(natsDir, p)
			if err != nil {
				return err
			}
			files++
			return addFile(tw, p, path.Join(sectionNATS, filepath.ToSlash(rel)))
		})
		if err != nil {
			return 0, fmt.Errorf("walk %s: %w", natsDir, err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("stat %s: %w", natsDir, err)
	}

	// Close everything explicitly to catch write errors
	if err := tw.Close(); err != nil {
		return 0, fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("close zstd: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("close file: %w", err)
	}
	return files, nil
}

func addFile(tw *tar.Writer, src, name string) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", src, err)
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("tar header %s: %w", src, err)
	}
	hdr.Name = name

	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write tar header: %w", err)
	}
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("write tar data: %w", err)
	}
	return nil
}

// extractArchive restores an archive written by writeArchive. The store
// entry becomes storePath; nats entries land under natsDir. Without
// overwrite, an existing database or a non-empty natsDir aborts before
// anything is written.
func extractArchive(inputPath, storePath, natsDir string, overwrite bool) (int, error) {
	sections, err := scanArchiveSections(inputPath)
	if err != nil {
		return 0, fmt.Errorf("scan archive: %w", err)
	}
	if len(sections) == 0 {
		return 0, fmt.Errorf("archive contains no synedrio data")
	}

	if !overwrite {
		if _, err := os.Stat(storePath); err == nil {
			return 0, fmt.Errorf("database %s already exists, add -overwrite to replace it", storePath)
		}
		if entries, err := os.ReadDir(natsDir); err == nil && len(entries) > 0 {
			return 0, fmt.Errorf("nats data dir %s is not empty, add -overwrite to replace files", natsDir)
		}
	}

	f, err := os.Open(inputPath)
	if err != nil {
		return 0, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return 0, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	restored := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return restored, fmt.Errorf("read tar entry: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		section, rel := splitArchivePath(hdr.Name)
		var dst string
		switch section {
		case sectionStore:
			dst = storePath
			// Stale WAL files would be replayed over the restored database.
			os.Remove(storePath + "-wal")
			os.Remove(storePath + "-shm")
		case sectionNATS:
			dst = filepath.Join(natsDir, filepath.FromSlash(rel))
		default:
			continue
		}

		if err := writeEntry(dst, tr, hdr.FileInfo().Mode().Perm()); err != nil {
			return restored, err
		}
		slog.Debug("restored file", "path", dst)
		restored++
	}

	return restored, nil
}

func writeEntry(dst string, r io.Reader, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", dst, err)
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return out.Close()
}

// scanArchiveSections reads tar headers to collect the sections present,
// without extracting file data.
func scanArchiveSections(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	tr := tar.NewReader(zr)

	seen := make(map[string]bool)
	var names []string

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		section, _ := splitArchivePath(hdr.Name)
		if section != "" && !seen[section] {
			seen[section] = true
			names = append(names, section)
		}
	}

	return names, nil
}

// splitArchivePath splits "nats/jetstream/x" into ("nats", "jetstream/x").
// Unknown sections, bare section names and paths escaping their section
// return an empty section.
func splitArchivePath(name string) (section, rel string) {
	name = strings.TrimLeft(name, "./")
	idx := strings.IndexByte(name, '/')
	if idx < 0 {
		return "", ""
	}

	section = name[:idx]
	if section != sectionStore && section != sectionNATS {
		return "", ""
	}

	rel = path.Clean(name[idx+1:])
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") || path.IsAbs(rel) {
		return "", ""
	}
	return section, rel
}

func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
