/*
 * Copyright 2025 SafeIPC Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package ipc

import (
	"os"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"

	"github.com/safeipc/safeipc/api"
)

// resolveIdentity enriches the kernel-reported credentials with process
// details. Enrichment failures are non-fatal; the pid/uid/gid triple is
// always trustworthy because it comes from SO_PEERCRED.
func resolveIdentity(cred *unix.Ucred) api.PeerIdentity {
	id := api.PeerIdentity{
		PID: cred.Pid,
		UID: cred.Uid,
		GID: cred.Gid,
	}
	proc, err := process.NewProcess(cred.Pid)
	if err != nil {
		return id
	}
	if exe, err := proc.Exe(); err == nil {
		id.Executable = exe
	}
	if user, err := proc.Username(); err == nil {
		id.Username = user
	}
	return id
}

// classifyIntegrity maps the peer's credentials to an integrity level
// relative to the local process.
func classifyIntegrity(cred *unix.Ucred) api.IntegrityLevel {
	switch {
	case cred.Uid == 0:
		return api.IntegritySystem
	case int(cred.Uid) == os.Getuid():
		return api.IntegrityUser
	default:
		return api.IntegrityUntrusted
	}
}

// peerAlive reports whether the peer process still exists, used to tell an
// abrupt disconnect from a racing orderly close.
func peerAlive(pid int32) bool {
	alive, err := process.PidExists(pid)
	return err == nil && alive
}
