// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// ArchiveCodec selects the compression used for archived kernel logs.
type ArchiveCodec string

const (
	ArchiveZstd ArchiveCodec = "zstd"
	ArchiveLZ4  ArchiveCodec = "lz4"
)

// Extension returns the file extension for the codec.
func (c ArchiveCodec) Extension() string {
	if c == ArchiveLZ4 {
		return ".lz4"
	}
	return ".zst"
}

// ParseArchiveCodec accepts "", "zstd" or "lz4".
func ParseArchiveCodec(name string) (ArchiveCodec, error) {
	switch ArchiveCodec(name) {
	case "", ArchiveZstd:
		return ArchiveZstd, nil
	case ArchiveLZ4:
		return ArchiveLZ4, nil
	default:
		return "", fmt.Errorf("unknown archive codec %q (want zstd or lz4)", name)
	}
}

// ArchiveLog compresses logPath into directory and returns the archive
// path. A missing log returns an error wrapping os.ErrNotExist.
func ArchiveLog(logPath, directory string, codec ArchiveCodec) (string, error) {
	source, err := os.Open(logPath)
	if err != nil {
		return "", err
	}
	defer source.Close()

	if err := os.MkdirAll(directory, 0o700); err != nil {
		return "", fmt.Errorf("creating archive directory: %w", err)
	}
	archivePath := filepath.Join(directory, filepath.Base(logPath)+codec.Extension())
	temporaryPath := archivePath + ".tmp"

	destination, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return "", fmt.Errorf("creating archive: %w", err)
	}

	if err := compressTo(destination, source, codec); err != nil {
		destination.Close()
		os.Remove(temporaryPath)
		return "", fmt.Errorf("compressing %s: %w", logPath, err)
	}
	if err := destination.Close(); err != nil {
		os.Remove(temporaryPath)
		return "", fmt.Errorf("closing archive: %w", err)
	}
	if err := os.Rename(temporaryPath, archivePath); err != nil {
		os.Remove(temporaryPath)
		return "", fmt.Errorf("renaming archive into place: %w", err)
	}
	return archivePath, nil
}

func compressTo(destination io.Writer, source io.Reader, codec ArchiveCodec) error {
	var writer io.WriteCloser
	switch codec {
	case ArchiveLZ4:
		writer = lz4.NewWriter(destination)
	default:
		encoder, err := zstd.NewWriter(destination, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return err
		}
		writer = encoder
	}
	if _, err := io.Copy(writer, source); err != nil {
		writer.Close()
		return err
	}
	return writer.Close()
}

// OpenArchive returns a reader over a decompressed archive written by
// ArchiveLog. The codec is chosen by extension.
func OpenArchive(path string) (io.ReadCloser, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	switch filepath.Ext(path) {
	case ".lz4":
		return readCloser{Reader: lz4.NewReader(file), closer: file.Close}, nil
	case ".zst":
		decoder, err := zstd.NewReader(file)
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("opening zstd archive: %w", err)
		}
		return readCloser{Reader: decoder, closer: func() error {
			decoder.Close()
			return file.Close()
		}}, nil
	default:
		file.Close()
		return nil, fmt.Errorf("unknown archive extension on %s", path)
	}
}

type readCloser struct {
	io.Reader
	closer func() error
}

func (r readCloser) Close() error { return r.closer() }
