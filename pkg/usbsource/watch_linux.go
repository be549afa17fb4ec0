//go:build linux

package usbsource

import (
	"context"
	"fmt"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/meliorisse/cordwatch/pkg/models"
)

const ueventBufferSize = 64 * 1024

// Watch subscribes to kernel uevents over a NETLINK_KOBJECT_UEVENT socket
// and streams USB device events until the context is canceled. The
// returned channel closes when the subscription ends, for any reason.
func (s *Source) Watch(ctx context.Context) (<-chan models.RawEvent, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, fmt.Errorf("failed to open uevent socket: %w", err)
	}

	// Group 1 is the raw kernel multicast group; group 2 carries udev's
	// processed copies, which we do not want twice.
	addr := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: 1}
	if err := unix.Bind(fd, addr); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("failed to bind uevent socket: %w", err)
	}

	// Self-pipe to unblock the poll loop on cancellation.
	pipe := make([]int, 2)
	if err := unix.Pipe2(pipe, unix.O_CLOEXEC); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("failed to create shutdown pipe: %w", err)
	}

	out := make(chan models.RawEvent, 16)

	go func() {
		<-ctx.Done()
		_, _ = unix.Write(pipe[1], []byte{0})
		_ = unix.Close(pipe[1])
	}()

	go s.watchLoop(ctx, fd, pipe[0], out)

	return out, nil
}

func (s *Source) watchLoop(ctx context.Context, fd, shutdownFd int, out chan<- models.RawEvent) {
	defer close(out)
	defer func() {
		_ = unix.Close(fd)
		_ = unix.Close(shutdownFd)
	}()

	buf := make([]byte, ueventBufferSize)

	for {
		fds := []unix.PollFd{
			{Fd: int32(fd), Events: unix.POLLIN},
			{Fd: int32(shutdownFd), Events: unix.POLLIN},
		}

		if _, err := unix.Poll(fds, -1); err != nil {
			if err == unix.EINTR {
				continue
			}

			s.logger.Error().Err(err).Msg("uevent poll failed")

			return
		}

		if fds[1].Revents != 0 {
			return
		}

		if fds[0].Revents&unix.POLLIN == 0 {
			continue
		}

		n, _, err := unix.Recvfrom(fd, buf, 0)
		if err != nil {
			if err == unix.EINTR || err == unix.EAGAIN {
				continue
			}

			s.logger.Error().Err(err).Msg("uevent receive failed")

			return
		}

		event, ok := s.translate(buf[:n])
		if !ok {
			continue
		}

		select {
		case out <- event:
		case <-ctx.Done():
			return
		}
	}
}

// translate converts a raw uevent payload into a pipeline event. Attach
// events are enriched with sysfs attributes; the device may already be
// gone by the time we read, in which case the sparse bag is passed through
// and the normalizer rejects it downstream.
func (s *Source) translate(data []byte) (models.RawEvent, bool) {
	ev, ok := parseUEvent(data)
	if !ok || !ev.isUSBDevice() {
		return models.RawEvent{}, false
	}

	kind, ok := ev.kind()
	if !ok {
		return models.RawEvent{}, false
	}

	event := models.RawEvent{
		Kind:    kind,
		DevPath: ev.devPath,
		Attrs:   map[string]string{},
	}

	if kind == models.EventAdded || kind == models.EventBound {
		event.Attrs = readDeviceAttrs(filepath.Join(s.sysfsRoot, ev.sysName()), ev.sysName())
	}

	return event, true
}
