package assets

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/residence-registry/fault"
)

var (
	pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")
	pdfHeader = []byte("%PDF-1.4\n%\xe2\xe3\xcf\xd3\n1 0 obj\n<<>>\nendobj\n")
)

func pngOfSize(n int) []byte {
	return append(append([]byte{}, pngHeader...), bytes.Repeat([]byte{0}, n-len(pngHeader))...)
}

func newFileStore(t *testing.T) (*FileStore, string) {
	t.Helper()
	root := t.TempDir()
	fs, err := NewFileStore(root, DefaultLimits, nil)
	require.NoError(t, err)
	return fs, root
}

func occupantRef(kind Kind, index int, mime string) Ref {
	return Ref{
		Owner: Owner{Kind: OwnerOccupant, ID: "occ-1", PropertyID: "prop-1", LevelOrdinal: intPtr(3)},
		Kind:  kind, Index: index, Mime: mime,
	}
}

func intPtr(i int) *int { return &i }

// =============================================================================
// RESOLVER
// =============================================================================

func TestResolvePath_Layout(t *testing.T) {
	tests := []struct {
		name string
		ref  Ref
		want string
	}{
		{
			name: "property image",
			ref:  Ref{Owner: Owner{Kind: OwnerProperty, ID: "prop-1"}, Kind: KindPrimaryImage, Mime: MimePNG},
			want: "/prop-1/prop-1/primaryImage.png",
		},
		{
			name: "level image",
			ref:  Ref{Owner: Owner{Kind: OwnerLevel, ID: "lvl-1", PropertyID: "prop-1", LevelOrdinal: intPtr(-1)}, Kind: KindPrimaryImage},
			want: "/prop-1/-1/lvl-1/primaryImage.jpg",
		},
		{
			name: "occupant document with index",
			ref:  occupantRef(KindDocument, 2, MimePDF),
			want: "/prop-1/3/occ-1/document.2.pdf",
		},
		{
			name: "occupant in unit without level",
			ref:  Ref{Owner: Owner{Kind: OwnerOccupant, ID: "occ-1", PropertyID: "prop-1"}, Kind: KindDocument},
			want: "/prop-1/occ-1/document.pdf",
		},
		{
			name: "unassigned occupant",
			ref:  Ref{Owner: Owner{Kind: OwnerOccupant, ID: "occ-1"}, Kind: KindPrimaryImage, Mime: MimeWebP},
			want: "/unassigned/occ-1/primaryImage.webp",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolvePath(tt.ref)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolvePath_Pure(t *testing.T) {
	ref := occupantRef(KindDocument, 1, MimePDF)
	first, err := ResolvePath(ref)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		again, err := ResolvePath(ref)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestResolvePath_Rejects(t *testing.T) {
	tests := []struct {
		name string
		ref  Ref
	}{
		{"unknown owner kind", Ref{Owner: Owner{Kind: "unit", ID: "u"}, Kind: KindDocument}},
		{"unknown asset kind", Ref{Owner: Owner{Kind: OwnerProperty, ID: "p"}, Kind: "avatar"}},
		{"empty id", Ref{Owner: Owner{Kind: OwnerProperty}, Kind: KindDocument}},
		{"separator in id", Ref{Owner: Owner{Kind: OwnerProperty, ID: "a/b"}, Kind: KindDocument}},
		{"dot-dot id", Ref{Owner: Owner{Kind: OwnerProperty, ID: ".."}, Kind: KindDocument}},
		{"level without ordinal", Ref{Owner: Owner{Kind: OwnerLevel, ID: "l", PropertyID: "p"}, Kind: KindPrimaryImage}},
		{"pdf as image", Ref{Owner: Owner{Kind: OwnerProperty, ID: "p"}, Kind: KindPrimaryImage, Mime: MimePDF}},
		{"indexed primary image", Ref{Owner: Owner{Kind: OwnerProperty, ID: "p"}, Kind: KindPrimaryImage, Index: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ResolvePath(tt.ref)
			assert.ErrorIs(t, err, fault.ErrValidation)
		})
	}
}

func TestParsePath(t *testing.T) {
	p, err := ParsePath("/prop-1/3/occ-1/document.2.pdf")
	require.NoError(t, err)
	assert.Equal(t, Parsed{Kind: KindDocument, Index: 2, Ext: "pdf", Mime: MimePDF}, p)

	p, err = ParsePath("/prop-1/primaryImage.jpg")
	require.NoError(t, err)
	assert.Equal(t, KindPrimaryImage, p.Kind)
	assert.Zero(t, p.Index)

	for _, bad := range []string{"", "/x/notes.txt", "/x/document.0.pdf", "/x/document.pdf.bak.gz", "/x/thumb.png"} {
		_, err := ParsePath(bad)
		assert.ErrorIs(t, err, fault.ErrValidation, bad)
	}
}

func TestURL(t *testing.T) {
	assert.Equal(t, "/assets/p/primaryImage.png", URL("/assets/", "/p/primaryImage.png"))
	assert.Equal(t, "https://cdn.example.com/p/document.pdf", URL("https://cdn.example.com", "p/document.pdf"))
}

// =============================================================================
// FILE STORE
// =============================================================================

func TestStore_RoundTrip(t *testing.T) {
	fs, _ := newFileStore(t)
	ctx := context.Background()
	path, err := ResolvePath(occupantRef(KindDocument, 0, MimePDF))
	require.NoError(t, err)

	require.NoError(t, fs.Store(ctx, path, pdfHeader, MimePDF))

	got, err := fs.Read(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, pdfHeader, got)

	listed, err := fs.List(ctx, "/prop-1/3/occ-1")
	require.NoError(t, err)
	assert.Equal(t, []string{path}, listed)
}

func TestStore_OversizedImageLeavesNoFile(t *testing.T) {
	// GIVEN: A 6 MB png against the 5 MB primary image ceiling
	fs, root := newFileStore(t)
	path, err := ResolvePath(Ref{Owner: Owner{Kind: OwnerProperty, ID: "prop-1"}, Kind: KindPrimaryImage, Mime: MimePNG})
	require.NoError(t, err)

	// WHEN: It is stored
	err = fs.Store(context.Background(), path, pngOfSize(6<<20), MimePNG)

	// THEN: ValidationError and nothing on disk, not even the directory
	assert.ErrorIs(t, err, fault.ErrValidation)
	_, statErr := os.Stat(filepath.Join(root, "prop-1"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestStore_ContentMustMatchDeclaredMime(t *testing.T) {
	fs, root := newFileStore(t)
	path := "/prop-1/primaryImage.png"

	err := fs.Store(context.Background(), path, pdfHeader, MimePNG)
	assert.ErrorIs(t, err, fault.ErrValidation)
	_, statErr := os.Stat(filepath.Join(root, "prop-1", "primaryImage.png"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestStore_MimeMustMatchExtension(t *testing.T) {
	fs, _ := newFileStore(t)
	err := fs.Store(context.Background(), "/prop-1/primaryImage.jpg", pngOfSize(64), MimePNG)
	assert.ErrorIs(t, err, fault.ErrValidation)
}

func TestStore_DocumentCeilingIsSeparate(t *testing.T) {
	fs, err := NewFileStore(t.TempDir(), Limits{PrimaryImage: 10, Document: 1 << 20}, nil)
	require.NoError(t, err)

	err = fs.Store(context.Background(), "/unassigned/o/document.png", pngOfSize(512), MimePNG)
	assert.NoError(t, err)
	err = fs.Store(context.Background(), "/unassigned/o/primaryImage.png", pngOfSize(512), MimePNG)
	assert.ErrorIs(t, err, fault.ErrValidation)
}

func TestStore_OverwriteReplacesContent(t *testing.T) {
	fs, _ := newFileStore(t)
	ctx := context.Background()
	path := "/prop-1/primaryImage.png"

	require.NoError(t, fs.Store(ctx, path, pngOfSize(64), MimePNG))
	require.NoError(t, fs.Store(ctx, path, pngOfSize(128), MimePNG))

	got, err := fs.Read(ctx, path)
	require.NoError(t, err)
	assert.Len(t, got, 128)
}

func TestRead_NotFound(t *testing.T) {
	fs, _ := newFileStore(t)
	_, err := fs.Read(context.Background(), "/prop-1/primaryImage.png")

	var nf *fault.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "asset", nf.Kind)
}

func TestPaths_CannotEscapeRoot(t *testing.T) {
	fs, _ := newFileStore(t)
	ctx := context.Background()

	_, err := fs.Read(ctx, "/../../etc/passwd")
	assert.ErrorIs(t, err, fault.ErrValidation)
	err = fs.Store(ctx, "../outside/primaryImage.png", pngOfSize(64), MimePNG)
	assert.ErrorIs(t, err, fault.ErrValidation)
}

func TestStore_ConcurrentOwners(t *testing.T) {
	fs, _ := newFileStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	paths := make([]string, 20)
	for i := range paths {
		ref := Ref{Owner: Owner{Kind: OwnerOccupant, ID: fmt.Sprintf("occ-%d", i), PropertyID: "prop-1"}, Kind: KindDocument, Mime: MimePDF}
		p, err := ResolvePath(ref)
		require.NoError(t, err)
		paths[i] = p

		wg.Add(1)
		go func(p string, n int) {
			defer wg.Done()
			body := append(append([]byte{}, pdfHeader...), []byte(fmt.Sprintf("%% owner %d\n", n))...)
			assert.NoError(t, fs.Store(ctx, p, body, MimePDF))
		}(p, i)
	}
	wg.Wait()

	for i, p := range paths {
		got, err := fs.Read(ctx, p)
		require.NoError(t, err)
		assert.Contains(t, string(got), fmt.Sprintf("owner %d", i))
	}
}
