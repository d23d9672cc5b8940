package sqlguard

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wwwzy/QueryFit/internal/database"
)

func TestEnforceReadOnlyLimit(t *testing.T) {
	g := NewGuard(0, 0)
	cases := []struct {
		name string
		in   string
		d    database.Dialect
		want string
	}{
		{"append default", "SELECT * FROM users", database.SQLite, "SELECT * FROM users LIMIT 50"},
		{"clamp", "SELECT * FROM users LIMIT 500;", database.SQLite, "SELECT * FROM users LIMIT 100"},
		{"keep small", "SELECT * FROM users LIMIT 10", database.Postgres, "SELECT * FROM users LIMIT 10"},
		{"keep ceiling", "SELECT id FROM users LIMIT 100", database.MySQL, "SELECT id FROM users LIMIT 100"},
		{"mysql offset form", "SELECT * FROM users LIMIT 5, 500", database.MySQL, "SELECT * FROM users LIMIT 5, 100"},
		{"before lock", "SELECT * FROM users FOR UPDATE", database.Postgres, "SELECT * FROM users LIMIT 50 FOR UPDATE"},
		{"subquery limit ignored", "SELECT * FROM (SELECT id FROM users LIMIT 1000) t", database.SQLite, "SELECT * FROM (SELECT id FROM users LIMIT 1000) t LIMIT 50"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := g.EnforceReadOnly(tc.in, tc.d)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEnforceReadOnlyRejectsWrites(t *testing.T) {
	g := NewGuard(50, 100)
	for _, sql := range []string{
		"DELETE FROM users WHERE id = 1",
		"DROP TABLE users",
		"SELECT 1; DROP TABLE users",
		"UPDATE users SET name = 'x'",
	} {
		_, err := g.EnforceReadOnly(sql, database.SQLite)
		require.Error(t, err, sql)
		assert.True(t, errors.Is(err, ErrSecurity), sql)
		assert.Contains(t, err.Error(), "Security Alert: ")
	}

	_, err := g.EnforceReadOnly("WITH d AS (DELETE FROM users RETURNING *) SELECT * FROM d", database.Postgres)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSecurity))
}

func TestEnforceReadOnlySyntax(t *testing.T) {
	g := NewGuard(50, 100)
	for _, sql := range []string{"", "   ;", "SELECT * FROM", "SELECT a,, b FROM t", "SELECT 'unterminated FROM t"} {
		_, err := g.EnforceReadOnly(sql, database.SQLite)
		require.Error(t, err, sql)
		assert.True(t, errors.Is(err, ErrSyntax), sql)
	}
}

func TestEnforceMutation(t *testing.T) {
	g := NewGuard(50, 100)

	got, err := g.EnforceMutation("UPDATE users SET name = 'x' WHERE id = 1;", database.SQLite)
	require.NoError(t, err)
	assert.Equal(t, "UPDATE users SET name = 'x' WHERE id = 1", got)

	_, err = g.EnforceMutation("INSERT INTO users (id, name) VALUES (1, 'a')", database.Postgres)
	require.NoError(t, err)

	_, err = g.EnforceMutation("SELECT * FROM users", database.SQLite)
	assert.True(t, errors.Is(err, ErrSecurity))

	_, err = g.EnforceMutation("DELETE FROM a WHERE id = 1; DELETE FROM b WHERE id = 2", database.SQLite)
	assert.True(t, errors.Is(err, ErrSecurity))

	_, err = g.EnforceMutation("REPLACE INTO users (id) VALUES (1)", database.Postgres)
	assert.True(t, errors.Is(err, ErrSecurity))
}

func TestIsMutationAndDeniedKeywords(t *testing.T) {
	assert.False(t, IsMutation("SELECT * FROM users", database.SQLite))
	assert.True(t, IsMutation("delete from users where id = 2", database.SQLite))
	assert.True(t, IsMutation("WITH d AS (DELETE FROM users RETURNING *) SELECT * FROM d", database.Postgres))
	assert.True(t, IsMutation("TRUNCATE users", database.MySQL))

	assert.Empty(t, DeniedKeywords("SELECT 'drop table' FROM t -- alter", database.SQLite))
	assert.Equal(t, []string{"DROP"}, DeniedKeywords("drop table users", database.SQLite))
	assert.Equal(t, []string{"ALTER", "VACUUM"}, DeniedKeywords("VACUUM; ALTER TABLE t ADD c INT", database.SQLite))
}

func TestCatalogAndUnknownReferences(t *testing.T) {
	schema := `CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT);
CREATE TABLE orders (id INTEGER, user_id INTEGER, FOREIGN KEY (user_id) REFERENCES users(id));
TABLE products (id, price);`
	c := ParseCatalog(schema)
	assert.Equal(t, []string{"orders", "products", "users"}, c.Tables())
	assert.True(t, c.HasColumn("orders", "user_id"))
	assert.True(t, c.HasColumn("PRODUCTS", "Price"))
	assert.False(t, c.HasColumn("users", "email"))
	assert.False(t, c.HasColumn("ghosts", "id"))

	script, err := Parse("SELECT u.name, u.email FROM users u JOIN ghosts g ON g.id = u.id", database.SQLite)
	require.NoError(t, err)
	refs := UnknownReferences(script, c)
	assert.Equal(t, []string{"ghosts"}, refs.Tables)
	assert.Equal(t, []string{"users.email"}, refs.Columns)
	assert.Contains(t, refs.String(), "unknown table(s): ghosts")

	script, err = Parse("SELECT name FROM sqlite_master", database.SQLite)
	require.NoError(t, err)
	assert.True(t, UnknownReferences(script, c).Empty())

	script, err = Parse("WITH recent AS (SELECT * FROM orders) SELECT r.id FROM recent r", database.SQLite)
	require.NoError(t, err)
	assert.True(t, UnknownReferences(script, c).Empty())

	assert.True(t, UnknownReferences(script, ParseCatalog("")).Empty())
}

func TestCatalogRecordsEveryColumn(t *testing.T) {
	cases := []struct {
		name   string
		schema string
	}{
		{"sqlite ddl", "CREATE TABLE users (\n  id INTEGER PRIMARY KEY,\n  name TEXT NOT NULL,\n  age INTEGER,\n  email TEXT UNIQUE\n);"},
		{"introspected", "TABLE users (id integer, name character varying(64), age integer, email text);"},
		{"numeric precision", "TABLE users (id bigint, name varchar(64), age numeric(5,2), email text, PRIMARY KEY (id));"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := ParseCatalog(tc.schema)
			for _, col := range []string{"id", "name", "age", "email"} {
				assert.True(t, c.HasColumn("users", col), col)
			}
			assert.False(t, c.HasColumn("users", "primary"))
			assert.False(t, c.HasColumn("users", "salary"))
		})
	}
}

func TestUnknownReferencesBindsUnqualifiedColumns(t *testing.T) {
	c := ParseCatalog("TABLE users (id integer, name text, age integer);\nTABLE orders (id integer, user_id integer, amount numeric(10,2));")

	unknown := func(sql string) References {
		t.Helper()
		script, err := Parse(sql, database.Postgres)
		require.NoError(t, err, sql)
		return UnknownReferences(script, c)
	}

	assert.Equal(t, []string{"users.salary"}, unknown("SELECT salary FROM users").Columns)
	assert.Equal(t, []string{"users.salary"}, unknown("SELECT id FROM users WHERE salary > 5").Columns)
	assert.Equal(t, []string{"users.salary"}, unknown("UPDATE users SET age = 3 WHERE salary IS NULL").Columns)

	for _, sql := range []string{
		"SELECT id, name FROM users WHERE age > 30 ORDER BY name DESC",
		"SELECT COUNT(*) AS total FROM users",
		"SELECT age, COUNT(*) n FROM users GROUP BY age ORDER BY n",
		"SELECT CASE WHEN age > 30 THEN 'old' ELSE 'young' END bucket FROM users",
		"SELECT CAST(age AS TEXT) FROM users u WHERE u.id = 1",
		"SELECT EXTRACT(YEAR FROM CURRENT_DATE) - age FROM users",
		"SELECT age::text FROM users LIMIT 10",
	} {
		assert.True(t, unknown(sql).Empty(), sql)
	}

	// 多表、子查询时不推断未限定列归属
	assert.True(t, unknown("SELECT salary FROM users JOIN orders ON orders.user_id = users.id").Empty())
	assert.True(t, unknown("SELECT salary FROM users WHERE id IN (SELECT user_id FROM orders)").Empty())
	assert.True(t, unknown("SELECT tablename FROM pg_tables").Empty())
}

func TestIsSystemTable(t *testing.T) {
	assert.True(t, IsSystemTable(database.Postgres, "pg_catalog", "pg_class"))
	assert.True(t, IsSystemTable(database.MySQL, "information_schema", "tables"))
	assert.True(t, IsSystemTable(database.SQLite, "", "sqlite_master"))
	assert.False(t, IsSystemTable(database.SQLite, "", "users"))
}

func TestStatementShape(t *testing.T) {
	script, err := Parse("UPDATE users SET name = 'x'", database.SQLite)
	require.NoError(t, err)
	st := script.Statements[0]
	assert.Equal(t, KindUpdate, st.Kind)
	assert.False(t, st.HasWhere)
	assert.Contains(t, st.Columns, ColumnRef{Qualifier: "users", Name: "name"})

	script, err = Parse("SELECT id FROM users WHERE id IN (SELECT user_id FROM orders)", database.SQLite)
	require.NoError(t, err)
	st = script.Statements[0]
	assert.True(t, st.HasWhere)
	require.Len(t, st.Tables, 2)
	assert.Equal(t, "orders", st.Tables[1].Name)
}
