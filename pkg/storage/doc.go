// Package storage holds design attachments and rendered reports.
//
// ObjectStore has two implementations: S3Store, for any S3 compatible
// service, and FilesystemStore for development and tests. NewObjectStore
// picks one from config.
//
// Upload validation lives here too. ValidateUpload enforces the size limit
// and the content type allow-list, and AttachmentKey builds the object key
// under the org and design prefix.
//
// Subpackages provide the other persistence plumbing:
//
//   - postgres: connection pool setup and schema migrations
//   - mongostore: MongoDB client setup and index creation
//   - redisstore: Redis client with JSON get and set helpers
package storage
