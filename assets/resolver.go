/*
Package assets maps hierarchy identities to canonical asset files.

PURPOSE:
  An asset is a binary resource (image or document) owned by exactly one
  Property, Level or Occupant. Its location is derived from identity only:

    /{propertyId}/{levelOrdinal?}/{ownerId}/{assetKind}[.{index}].{ext}

  Labels and names never appear in a path, so renaming a property or an
  occupant never breaks a stored link.

LAYOUT:
  Property owner:   /{propertyId}/{propertyId}/{assetKind}.{ext}
  Level owner:      /{propertyId}/{ordinal}/{levelId}/{assetKind}.{ext}
  Occupant owner:   /{propertyId}/{ordinal}/{occupantId}/{assetKind}[.{index}].{ext}
                    /{propertyId}/{occupantId}/...      (unit without a level)
                    /unassigned/{occupantId}/...        (occupant without a unit)

  A property is its own root, so its owner segment repeats the property id.
  Property files then never share a directory with level subtrees.

KEY FUNCTIONS:
  ResolvePath: pure (Ref) -> path
  ParsePath:   path -> asset kind, index and extension
  URL:         serving prefix + path

SEE ALSO:
  - filestore.go: Scoped read/write of asset bytes
  - assignment/service.go: Owner resolution through the hierarchy store
*/
package assets

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/warp/residence-registry/fault"
)

// =============================================================================
// OWNER AND ASSET KINDS
// =============================================================================

type OwnerKind string

const (
	OwnerProperty OwnerKind = "property"
	OwnerLevel    OwnerKind = "level"
	OwnerOccupant OwnerKind = "occupant"
)

func (k OwnerKind) Valid() bool {
	return k == OwnerProperty || k == OwnerLevel || k == OwnerOccupant
}

type Kind string

const (
	KindPrimaryImage Kind = "primaryImage"
	KindDocument     Kind = "document"
)

func (k Kind) Valid() bool {
	return k == KindPrimaryImage || k == KindDocument
}

// UnassignedRoot holds assets of occupants that live in no unit.
const UnassignedRoot = "unassigned"

const (
	MimeJPEG = "image/jpeg"
	MimePNG  = "image/png"
	MimeWebP = "image/webp"
	MimePDF  = "application/pdf"
)

var extByMime = map[string]string{
	MimeJPEG: "jpg",
	MimePNG:  "png",
	MimeWebP: "webp",
	MimePDF:  "pdf",
}

var mimeByExt = map[string]string{
	"jpg":  MimeJPEG,
	"png":  MimePNG,
	"webp": MimeWebP,
	"pdf":  MimePDF,
}

var allowedMimes = map[Kind][]string{
	KindPrimaryImage: {MimeJPEG, MimePNG, MimeWebP},
	KindDocument:     {MimePDF, MimeJPEG, MimePNG},
}

var defaultExt = map[Kind]string{
	KindPrimaryImage: "jpg",
	KindDocument:     "pdf",
}

// Allowed reports whether mime may be stored as the given asset kind.
func Allowed(kind Kind, mime string) bool {
	for _, m := range allowedMimes[kind] {
		if m == mime {
			return true
		}
	}
	return false
}

// MimeForExt returns the mime type an extension stands for.
func MimeForExt(ext string) (string, bool) {
	m, ok := mimeByExt[strings.ToLower(ext)]
	return m, ok
}

// =============================================================================
// REFERENCES
// =============================================================================

// Owner identifies the entity an asset belongs to, plus the placement
// segments the path is rooted under. PropertyID is empty for an occupant
// without a unit; LevelOrdinal is nil when there is no level segment.
type Owner struct {
	Kind         OwnerKind
	ID           string
	PropertyID   string
	LevelOrdinal *int
}

// Ref is one addressable asset. Index distinguishes several documents of
// the same owner; zero means no index.
type Ref struct {
	Owner Owner
	Kind  Kind
	Index int
	Mime  string // empty = kind default
}

// ResolvePath returns the canonical path of ref. It depends on nothing but
// its argument, so equal refs always produce byte-identical paths.
func ResolvePath(ref Ref) (string, error) {
	o := ref.Owner
	if !o.Kind.Valid() {
		return "", fault.Validation("owner_kind", "unknown owner kind %q", o.Kind)
	}
	if !ref.Kind.Valid() {
		return "", fault.Validation("asset_kind", "unknown asset kind %q", ref.Kind)
	}
	if err := checkSegment("owner_id", o.ID); err != nil {
		return "", err
	}
	if ref.Index < 0 {
		return "", fault.Validation("index", "must not be negative")
	}
	if ref.Kind == KindPrimaryImage && ref.Index > 0 {
		return "", fault.Validation("index", "a primary image takes no index")
	}

	ext := defaultExt[ref.Kind]
	if ref.Mime != "" {
		if !Allowed(ref.Kind, ref.Mime) {
			return "", fault.Validation("mime", "%s not allowed for %s", ref.Mime, ref.Kind)
		}
		ext = extByMime[ref.Mime]
	}

	file := string(ref.Kind)
	if ref.Index > 0 {
		file += "." + strconv.Itoa(ref.Index)
	}
	file += "." + ext

	dir, err := ownerDir(o)
	if err != nil {
		return "", err
	}
	return path.Join(dir, file), nil
}

// OwnerDir returns the directory holding every asset of o.
func OwnerDir(o Owner) (string, error) {
	if !o.Kind.Valid() {
		return "", fault.Validation("owner_kind", "unknown owner kind %q", o.Kind)
	}
	if err := checkSegment("owner_id", o.ID); err != nil {
		return "", err
	}
	return ownerDir(o)
}

func ownerDir(o Owner) (string, error) {
	switch o.Kind {
	case OwnerProperty:
		if o.PropertyID != "" && o.PropertyID != o.ID {
			return "", fault.Validation("property_id", "property owner %s rooted under %s", o.ID, o.PropertyID)
		}
		return path.Join("/", o.ID, o.ID), nil

	case OwnerLevel:
		if err := checkSegment("property_id", o.PropertyID); err != nil {
			return "", err
		}
		if o.LevelOrdinal == nil {
			return "", fault.Validation("level_ordinal", "required for a level owner")
		}
		return path.Join("/", o.PropertyID, strconv.Itoa(*o.LevelOrdinal), o.ID), nil

	default:
		if o.PropertyID == "" {
			if o.LevelOrdinal != nil {
				return "", fault.Validation("level_ordinal", "set without a property")
			}
			return path.Join("/", UnassignedRoot, o.ID), nil
		}
		if err := checkSegment("property_id", o.PropertyID); err != nil {
			return "", err
		}
		if o.LevelOrdinal == nil {
			return path.Join("/", o.PropertyID, o.ID), nil
		}
		return path.Join("/", o.PropertyID, strconv.Itoa(*o.LevelOrdinal), o.ID), nil
	}
}

func checkSegment(field, s string) error {
	switch {
	case s == "":
		return fault.Validation(field, "must not be empty")
	case s == "." || s == ".." || s == UnassignedRoot:
		return fault.Validation(field, "reserved segment %q", s)
	case strings.ContainsAny(s, `/\`):
		return fault.Validation(field, "must not contain a path separator")
	}
	return nil
}

// =============================================================================
// PARSING
// =============================================================================

// Parsed is what a file name reveals about an asset.
type Parsed struct {
	Kind  Kind
	Index int
	Ext   string
	Mime  string
}

// ParsePath recovers the asset kind, index and extension from the last
// segment of an asset path.
func ParsePath(p string) (Parsed, error) {
	if p == "" {
		return Parsed{}, fault.Validation("path", "must not be empty")
	}
	name := path.Base(p)
	parts := strings.Split(name, ".")

	var out Parsed
	switch len(parts) {
	case 2:
		out.Kind, out.Ext = Kind(parts[0]), parts[1]
	case 3:
		idx, err := strconv.Atoi(parts[1])
		if err != nil || idx < 1 {
			return Parsed{}, fault.Validation("path", "bad asset index in %q", name)
		}
		out.Kind, out.Index, out.Ext = Kind(parts[0]), idx, parts[2]
	default:
		return Parsed{}, fault.Validation("path", "%q is not an asset file name", name)
	}
	if !out.Kind.Valid() {
		return Parsed{}, fault.Validation("path", "unknown asset kind in %q", name)
	}
	mime, ok := MimeForExt(out.Ext)
	if !ok {
		return Parsed{}, fault.Validation("path", "unknown extension in %q", name)
	}
	out.Mime = mime
	return out, nil
}

// URL joins a static serving prefix and an asset path.
func URL(prefix, assetPath string) string {
	return strings.TrimRight(prefix, "/") + "/" + strings.TrimLeft(assetPath, "/")
}

func (r Ref) String() string {
	return fmt.Sprintf("%s:%s/%s#%d", r.Owner.Kind, r.Owner.ID, r.Kind, r.Index)
}
