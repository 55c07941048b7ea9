// Package metafs exposes one hierarchical file-content namespace backed by
// any number of independently configured storage resources.
//
// Paths are namespaced as "selector:subpath". The selector (a "drive")
// names a registered [Resource]; the subpath is handed to that resource's
// backend adapter. A path without a delimiter addresses the synthetic root,
// whose entries are the registered resources themselves.
//
// # Storage Backends
//
// Backends implement [FileSystem] and register their URI schemes from
// init. Import the drivers you need for their side effect:
//
//   - Local filesystem, osfs:// and file:// (github.com/gobeaver/metafs/driver/local)
//   - In-memory, mem:// (github.com/gobeaver/metafs/driver/memory)
//   - Amazon S3, s3:// (github.com/gobeaver/metafs/driver/s3)
//   - Google Cloud Storage, gs:// (github.com/gobeaver/metafs/driver/gcs)
//   - Azure Blob Storage, azblob:// (github.com/gobeaver/metafs/driver/azure)
//   - SFTP, sftp:// (github.com/gobeaver/metafs/driver/sftp)
//   - ZIP archives, zip:// (github.com/gobeaver/metafs/driver/zip)
//   - PostgreSQL, postgres:// (github.com/gobeaver/metafs/driver/postgres)
//   - MongoDB, mongodb:// (github.com/gobeaver/metafs/driver/mongodb)
//   - Badger, badger:// (github.com/gobeaver/metafs/driver/badger)
//
// Every driver declares how Delete treats non-empty directories through
// [Capabilities]; the delete=recursive|strict query parameter overrides the
// driver default.
//
// # Basic Usage
//
//	import _ "github.com/gobeaver/metafs/driver/local"
//
//	svc, err := metafs.New(ctx, &metafs.Config{
//	    AllowUserResources: true,
//	    ResourceValidators: []string{`osfs:///srv/sandbox/.*`},
//	    Resources: []metafs.ResourceConfig{
//	        {Name: "home", URL: "osfs:///srv/home"},
//	    },
//	})
//
//	d := svc.Dispatcher()
//	_, err = d.Save(ctx, "home:notes/todo.txt", &metafs.ContentModel{
//	    Type: metafs.EntryFile, Format: metafs.FormatText, Content: "buy milk",
//	})
//	m, err := d.Get(ctx, "home:notes/todo.txt", metafs.GetOptions{Content: true})
//
// # Registering Resources
//
// Callers add resources at runtime through [Service.RegisterResources]. URLs
// may carry {{TOKEN}} placeholders filled from the request or, when allowed,
// from the environment:
//
//	results := svc.RegisterResources(ctx, metafs.RegistrationRequest{
//	    Resources: []metafs.ResourceSpec{{
//	        Name:      "scratch",
//	        URL:       "s3://{{KEY}}:{{SECRET}}@bucket/prefix",
//	        TokenDict: map[string]string{"KEY": key, "SECRET": secret},
//	    }},
//	})
//
// Entries rejected by the validator are omitted from the results; server
// resources are always listed.
//
// # Cross-Resource Moves
//
// Renaming between two resources copies the tree to the destination and
// only then deletes the source. The operation is not atomic: a failure is
// reported as [*CrossResourceMoveError], whose DeleteAttempted field tells
// whether the source may have been modified.
//
// # Error Handling
//
// Errors leaving the dispatcher wrap a [*PathError] carrying the selector
// and subpath. [KindOf] classifies them for hosting layers:
//
//	_, err := d.Get(ctx, "home:missing.txt", metafs.GetOptions{})
//	if metafs.IsNotExist(err) {
//	    // the file does not exist
//	}
//
// # Configuration
//
// The policy switches load from BEAVER_METAFS_* environment variables via
// [GetConfig], or from another prefix via [WithPrefix]. Resource lists come
// from a configuration file; see internal/config.
package metafs
