package naming

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeCoordinate(t *testing.T) {
	assert.Equal(t, "12p5000N", SanitizeCoordinate(12.5, true))
	assert.Equal(t, "0p2500S", SanitizeCoordinate(-0.25, true))
	assert.Equal(t, "3p0000W", SanitizeCoordinate(-3, false))
	assert.Equal(t, "3p0000E", SanitizeCoordinate(3, false))
}

func TestGenerateCellFilename(t *testing.T) {
	got := GenerateCellFilename("my search", 2, 10, -1, 30, 0.5, 31)
	assert.Equal(t, "my_search_c002_r010_1p0000S-0p5000N_30p0000E-31p0000E.tif", got)
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "a_b-c", SanitizeName(" a/b-c "))
	assert.Equal(t, "export", SanitizeName("///"))
}

func TestGenerateExportDirName(t *testing.T) {
	assert.Equal(t, "run_1000m_tiles", GenerateExportDirName("run", 1000))
}
