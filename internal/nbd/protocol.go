// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package nbd speaks the kernel-facing Network Block Device protocol: the
// ioctl handshake that hands a socket to the kernel driver, and the
// request/reply wire framing read off the user-side of that socket. This
// file holds the platform-independent half — wire constants and framing —
// so it can be exercised without root or a loaded nbd module. server.go
// carries the Linux-only ioctl handshake.
package nbd

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"chunkdrive/internal/logger"
	"chunkdrive/internal/vdisk"
)

// Kernel ioctl command numbers, matching the NBD ABI exactly.
const (
	SetSock    = 0xab00
	SetBlkSize = 0xab01
	SetSize    = 0xab02
	DoIt       = 0xab03
	ClearSock  = 0xab04
)

// Wire magic numbers for the "old-style" NBD request/reply framing.
const (
	RequestMagic uint32 = 0x25609513
	ReplyMagic   uint32 = 0x67446698
)

// Command types carried in a request header.
const (
	CmdRead  uint32 = 0
	CmdWrite uint32 = 1
	CmdDisc  uint32 = 2
	CmdFlush uint32 = 3
	CmdTrim  uint32 = 4
)

// Linux errno values used in reply headers; the protocol never interprets
// these beyond echoing them to the kernel.
const (
	errPermission = 1
	errIO         = 5
)

const (
	requestHeaderSize = 28
	replyHeaderSize   = 16
)

type requestHeader struct {
	Magic  uint32
	Type   uint32
	Handle uint64
	Offset uint64
	Length uint32
}

// ErrBadMagic terminates the request loop without a reply, matching the
// kernel's expectation that a malformed session simply disconnects.
var ErrBadMagic = errors.New("nbd: bad request magic")

func decodeRequest(r io.Reader) (requestHeader, error) {
	var buf [requestHeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return requestHeader{}, err
	}

	req := requestHeader{
		Magic:  binary.BigEndian.Uint32(buf[0:4]),
		Type:   binary.BigEndian.Uint32(buf[4:8]),
		Handle: binary.BigEndian.Uint64(buf[8:16]),
		Offset: binary.BigEndian.Uint64(buf[16:24]),
		Length: binary.BigEndian.Uint32(buf[24:28]),
	}
	if req.Magic != RequestMagic {
		return req, ErrBadMagic
	}
	return req, nil
}

func encodeReply(errno uint32, handle uint64) []byte {
	buf := make([]byte, replyHeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], ReplyMagic)
	binary.BigEndian.PutUint32(buf[4:8], errno)
	binary.BigEndian.PutUint64(buf[8:16], handle)
	return buf
}

// ServeRequests runs the request loop against conn (the user-side of the
// socketpair handed to the kernel) until DISC, EOF, or a bad magic number.
// It processes exactly one command at a time; replies are written in the
// order commands were dequeued, matching the no-interleaving requirement
// the kernel assumes of an "old-style" NBD server.
func ServeRequests(conn io.ReadWriter, dev vdisk.BlockDevice) error {
	for {
		req, err := decodeRequest(conn)
		if errors.Is(err, ErrBadMagic) {
			logger.Errorf("nbd: bad magic, terminating session: %v", err)
			return err
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return fmt.Errorf("reading request: %w", err)
		}

		switch req.Type {
		case CmdDisc:
			return nil

		case CmdRead:
			if err := handleRead(conn, dev, req); err != nil {
				return err
			}

		case CmdWrite:
			if err := handleWrite(conn, dev, req); err != nil {
				return err
			}

		case CmdFlush:
			errno := uint32(0)
			if err := dev.Sync(); err != nil {
				logger.Errorf("nbd: flush failed: %v", err)
				errno = errIO
			}
			if _, err := conn.Write(encodeReply(errno, req.Handle)); err != nil {
				return fmt.Errorf("writing flush reply: %w", err)
			}

		case CmdTrim:
			if _, err := conn.Write(encodeReply(0, req.Handle)); err != nil {
				return fmt.Errorf("writing trim reply: %w", err)
			}

		default:
			if _, err := conn.Write(encodeReply(errPermission, req.Handle)); err != nil {
				return fmt.Errorf("writing error reply: %w", err)
			}
		}
	}
}

func handleRead(conn io.ReadWriter, dev vdisk.BlockDevice, req requestHeader) error {
	data, err := dev.Read(int64(req.Offset), int(req.Length))
	if err != nil {
		logger.Errorf("nbd: read at offset %d failed: %v", req.Offset, err)
		_, werr := conn.Write(encodeReply(errIO, req.Handle))
		if werr != nil {
			return fmt.Errorf("writing read-error reply: %w", werr)
		}
		return nil
	}

	if _, err := conn.Write(encodeReply(0, req.Handle)); err != nil {
		return fmt.Errorf("writing read reply header: %w", err)
	}
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("writing read payload: %w", err)
	}
	return nil
}

func handleWrite(conn io.ReadWriter, dev vdisk.BlockDevice, req requestHeader) error {
	payload := make([]byte, req.Length)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return fmt.Errorf("reading write payload: %w", err)
	}

	errno := uint32(0)
	if err := dev.Write(int64(req.Offset), payload); err != nil {
		logger.Errorf("nbd: write at offset %d failed: %v", req.Offset, err)
		errno = errIO
	}
	if _, err := conn.Write(encodeReply(errno, req.Handle)); err != nil {
		return fmt.Errorf("writing write reply: %w", err)
	}
	return nil
}
