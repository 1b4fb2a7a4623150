package conf

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitStatements(t *testing.T) {
	schema := `
CREATE TABLE a (id INT);

CREATE INDEX idx ON a (id);
   ;
`
	assert.Equal(t, []string{"CREATE TABLE a (id INT)", "CREATE INDEX idx ON a (id)"}, SplitStatements(schema))
}

func TestFindSchema(t *testing.T) {
	path, err := FindSchema()
	assert.NoError(t, err)
	assert.Contains(t, path, "schema.sql")
}
