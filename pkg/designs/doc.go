// Package designs stores and edits network design documents.
//
// A design holds subnets, VLANs, devices and the links between them. Designs
// live in the MongoDB designs collection, one document per design, scoped by
// org_id. Every update carries the version the client last read; a stale
// version is rejected with ErrVersionConflict so concurrent editors cannot
// silently overwrite each other.
//
// Reads go through a two-tier Cache: an in-process expirable LRU in front of
// Redis under design:{org}:{id}. Mutations invalidate both tiers.
//
// The Service enforces the addressing rules (valid non-overlapping CIDRs,
// gateways that are usable hosts, unique VLAN tags, links between existing
// devices) and emits audit records, collaboration events and watcher
// notifications after each change.
package designs
