/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package vfs

import "strings"

// splitPath breaks path into the components path resolution consumes
// one at a time. A leading "/" becomes its own "root" component so an
// absolute path always re-anchors at the filesystem root regardless of
// the starting directory, matching how the rest of resolution treats
// each component as an opaque lookup key.
func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	var parts []string
	if strings.HasPrefix(path, "/") {
		parts = append(parts, "/")
		path = path[1:]
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == "" {
			continue
		}
		parts = append(parts, seg)
	}
	return parts
}

// splitParent returns the parent path components and final component
// name for path, the way Path::parent()/Path::file_name() do.
func splitParent(path string) (parentParts []string, name string, ok bool) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return nil, "", false
	}
	last := parts[len(parts)-1]
	if last == "/" {
		return nil, "", false
	}
	return parts[:len(parts)-1], last, true
}
