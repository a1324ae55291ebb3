/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package supervisor

import "github.com/rs/xid"

// newContainerID returns a collision-resistant container identifier,
// used to key the container's metadata record and to tag its log
// entries.
func newContainerID() string {
	return xid.New().String()
}
