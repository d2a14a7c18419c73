package geo

import (
	"archive/zip"
	"bytes"
	"database/sql"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gpkgBlob(t *testing.T, g orb.Geometry, envelope byte) []byte {
	t.Helper()
	body, err := wkb.Marshal(g, binary.LittleEndian)
	require.NoError(t, err)

	header := []byte{'G', 'P', 0, 0x01 | envelope<<1, 0, 0, 0, 0}
	binary.LittleEndian.PutUint32(header[4:], 4326)
	header = append(header, make([]byte, envelopeSizes[envelope])...)
	return append(header, body...)
}

func TestDecodeGeoPackageGeometry(t *testing.T) {
	poly := square(0, 0, 1, 1)
	for _, env := range []byte{0, 1, 2, 4} {
		g, err := decodeGeoPackageGeometry(gpkgBlob(t, poly, env))
		require.NoError(t, err)
		assert.Equal(t, poly, g)
	}

	empty := gpkgBlob(t, poly, 0)
	empty[3] |= 0x10
	g, err := decodeGeoPackageGeometry(empty)
	require.NoError(t, err)
	assert.Nil(t, g)

	_, err = decodeGeoPackageGeometry([]byte("XX"))
	assert.Error(t, err)
}

func TestParseUploadGeoPackage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "regions.gpkg")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)

	stmts := []string{
		`CREATE TABLE gpkg_contents (table_name TEXT PRIMARY KEY, data_type TEXT NOT NULL)`,
		`CREATE TABLE gpkg_geometry_columns (table_name TEXT, column_name TEXT)`,
		`CREATE TABLE parcels (fid INTEGER PRIMARY KEY, geom BLOB)`,
		`INSERT INTO gpkg_contents VALUES ('parcels', 'features')`,
		`INSERT INTO gpkg_geometry_columns VALUES ('parcels', 'geom')`,
	}
	for _, s := range stmts {
		_, err := db.Exec(s)
		require.NoError(t, err)
	}
	_, err = db.Exec(`INSERT INTO parcels (geom) VALUES (?), (?)`,
		gpkgBlob(t, square(0, 0, 1, 1), 1),
		gpkgBlob(t, orb.MultiPolygon{square(2, 2, 3, 3)}, 0))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	mp, err := ParseUpload("regions.GPKG", data)
	require.NoError(t, err)
	assert.Len(t, mp, 2)
}

func TestParseUploadShapefile(t *testing.T) {
	dir := t.TempDir()
	shpPath := filepath.Join(dir, "area.shp")

	w, err := shp.Create(shpPath, shp.POLYGON)
	require.NoError(t, err)
	require.NoError(t, w.SetFields([]shp.Field{shp.StringField("NAME", 16)}))
	poly := shp.Polygon(*shp.NewPolyLine([][]shp.Point{
		{{X: 0, Y: 0}, {X: 0, Y: 1}, {X: 1, Y: 1}, {X: 1, Y: 0}, {X: 0, Y: 0}},
	}))
	w.Write(&poly)
	require.NoError(t, w.WriteAttribute(0, 0, "field"))
	w.Close()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, ext := range []string{".shp", ".shx", ".dbf"} {
		data, err := os.ReadFile(filepath.Join(dir, "area"+ext))
		require.NoError(t, err)
		f, err := zw.Create("area" + ext)
		require.NoError(t, err)
		_, err = f.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	mp, err := ParseUpload("area.zip", buf.Bytes())
	require.NoError(t, err)
	require.Len(t, mp, 1)
	assert.Equal(t, orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{1, 1}}, mp.Bound())
}

func TestParseUploadRejects(t *testing.T) {
	_, err := ParseUpload("notes.txt", []byte("hello"))
	assert.ErrorIs(t, err, ErrUnsupportedUpload)

	_, err = ParseUpload("empty.geojson", nil)
	assert.ErrorIs(t, err, ErrEmptyRegion)
}
