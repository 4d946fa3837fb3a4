// OpenStream - Invite and Provisioning for Private Media Servers
// Copyright 2026 OpenStream Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/openstream/openstream

// errors.go - Sentinel errors used to carry handler outcomes out of
// LockedUpdate mutators.
package api

import "errors"

var (
	errSetupComplete  = errors.New("setup already complete")
	errServerNotFound = errors.New("server not found")
)
