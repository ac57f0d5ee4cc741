// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/kernelhost/lib/atomicfile"
)

// ConnectionFile is the JSON document a kernel reads to learn where to
// bind and how to sign.
type ConnectionFile struct {
	ControlPort     uint16 `json:"control_port"`
	ShellPort       uint16 `json:"shell_port"`
	StdinPort       uint16 `json:"stdin_port"`
	IOPubPort       uint16 `json:"iopub_port"`
	HeartbeatPort   uint16 `json:"hb_port"`
	IP              string `json:"ip"`
	Key             string `json:"key"`
	Transport       string `json:"transport"`
	SignatureScheme string `json:"signature_scheme"`
	KernelName      string `json:"kernel_name"`
}

// ConnectionFile returns the connection file contents for d.
func (d *Descriptor) ConnectionFile() ConnectionFile {
	return ConnectionFile{
		ControlPort:     d.Ports.Control,
		ShellPort:       d.Ports.Shell,
		StdinPort:       d.Ports.Stdin,
		IOPubPort:       d.Ports.IOPub,
		HeartbeatPort:   d.Ports.Heartbeat,
		IP:              d.IP,
		Key:             d.SigningKey,
		Transport:       d.Transport,
		SignatureScheme: d.SignatureScheme,
		KernelName:      d.KernelName,
	}
}

// ReadConnectionFile loads a connection file written by this package
// or by another kernel front-end.
func ReadConnectionFile(path string) (ConnectionFile, error) {
	var file ConnectionFile
	if err := atomicfile.ReadJSON(path, &file); err != nil {
		return ConnectionFile{}, err
	}
	if file.Transport == "" {
		file.Transport = "tcp"
	}
	if file.SignatureScheme != "" && file.SignatureScheme != SignatureScheme {
		return ConnectionFile{}, fmt.Errorf("connection file %s: unsupported signature scheme %q", path, file.SignatureScheme)
	}
	if file.IP == "" {
		return ConnectionFile{}, errors.New("connection file " + path + " has no ip")
	}
	return file, nil
}
