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

//go:build linux

package nbd

import (
	"context"
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"

	"chunkdrive/internal/logger"
	"chunkdrive/internal/shell"
	"chunkdrive/internal/vdisk"
)

// Server binds a vdisk.BlockDevice to a /dev/nbdN device node. Attach
// performs the ioctl handshake and starts the request loop; Serve then
// blocks on the kernel-facing DO_IT ioctl until the kernel disconnects.
// Splitting the two lets a caller (internal-serve) signal readiness to its
// parent process after Attach returns but before the irreversible blocking
// call.
type Server struct {
	devicePath string
	blockSize  int64
	totalSize  int64
	disk       vdisk.BlockDevice
	runner     shell.Runner

	device     *os.File
	kernelSide *os.File
	userSide   net.Conn
	loopErr    chan error
}

// NewServer constructs a Server for devicePath. runner may be nil, in
// which case the best-effort "modprobe nbd" step is skipped (useful in
// environments where the module is already loaded or loading it requires
// a privilege the test harness doesn't have).
func NewServer(devicePath string, blockSize, totalSize int64, disk vdisk.BlockDevice, runner shell.Runner) *Server {
	return &Server{
		devicePath: devicePath,
		blockSize:  blockSize,
		totalSize:  totalSize,
		disk:       disk,
		runner:     runner,
	}
}

// Attach runs steps 1-7 of the handshake: load the kernel module
// (best-effort), open the device, set block size and total size, clear any
// stale socket, create a socketpair, hand one end to the kernel via ioctl,
// and start the request loop on the other end. It returns once the kernel
// socket is installed, before the blocking DO_IT call.
func (s *Server) Attach(ctx context.Context) error {
	if s.runner != nil {
		if _, err := s.runner.Run(ctx, []string{"modprobe", "nbd"}, shell.WithCheck(false)); err != nil {
			logger.Warnf("nbd: modprobe nbd failed (continuing, module may already be loaded): %v", err)
		}
	}

	device, err := os.OpenFile(s.devicePath, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("opening %s: %w", s.devicePath, err)
	}
	s.device = device

	if err := ioctlRaw(device.Fd(), SetBlkSize, uintptr(s.blockSize)); err != nil {
		device.Close()
		return fmt.Errorf("NBD_SET_BLKSIZE on %s: %w", s.devicePath, err)
	}
	if err := ioctlRaw(device.Fd(), SetSize, uintptr(s.totalSize)); err != nil {
		device.Close()
		return fmt.Errorf("NBD_SET_SIZE on %s: %w", s.devicePath, err)
	}
	// Best-effort: clearing a socket that was never set returns an error we
	// don't care about.
	_ = ioctlRaw(device.Fd(), ClearSock, 0)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		device.Close()
		return fmt.Errorf("creating socketpair: %w", err)
	}
	kernelSide := os.NewFile(uintptr(fds[0]), "nbd-kernel-side")
	userSide := os.NewFile(uintptr(fds[1]), "nbd-user-side")
	s.kernelSide = kernelSide

	if err := ioctlRaw(device.Fd(), SetSock, kernelSide.Fd()); err != nil {
		device.Close()
		kernelSide.Close()
		userSide.Close()
		return fmt.Errorf("NBD_SET_SOCK on %s: %w", s.devicePath, err)
	}

	userConn, err := net.FileConn(userSide)
	if err != nil {
		device.Close()
		kernelSide.Close()
		userSide.Close()
		return fmt.Errorf("wrapping user-side socket: %w", err)
	}
	userSide.Close() // net.FileConn dup'd the descriptor
	s.userSide = userConn

	s.loopErr = make(chan error, 1)
	go func() {
		s.loopErr <- ServeRequests(userConn, s.disk)
	}()

	return nil
}

// Serve blocks inside NBD_DO_IT until the kernel issues DISC or the
// session errors out, then tears down sockets, the device fd, and the
// virtual disk, in that order.
func (s *Server) Serve(ctx context.Context) error {
	doItErr := ioctlRaw(s.device.Fd(), DoIt, 0)

	loopErr := <-s.loopErr
	s.userSide.Close()
	s.kernelSide.Close()
	s.device.Close()

	if closeErr := s.disk.Close(); closeErr != nil {
		logger.Errorf("nbd: closing virtual disk: %v", closeErr)
	}

	if doItErr != nil {
		return fmt.Errorf("NBD_DO_IT on %s: %w", s.devicePath, doItErr)
	}
	return loopErr
}

// Shutdown issues NBD_CLEAR_SOCK so a pending DO_IT returns, for a
// controlled detach outside of the kernel disconnecting on its own.
func (s *Server) Shutdown() error {
	if s.device == nil {
		return nil
	}
	return ioctlRaw(s.device.Fd(), ClearSock, 0)
}

func ioctlRaw(fd uintptr, cmd int, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(cmd), arg)
	if errno != 0 {
		return errno
	}
	return nil
}
