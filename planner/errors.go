package planner

import "errors"

// errTableExists is returned when CREATE TABLE names a table that is already
// registered in the catalog.
var errTableExists = errors.New("table already exists")

// errInvalidIDColumnType is returned when a CREATE TABLE statement declares
// an explicit id column that is not INTEGER. The engine requires the row id
// used to order the backing btree to be an integer.
var errInvalidIDColumnType = errors.New("id column must be of type INTEGER")

// errNotNullViolation is returned when an INSERT or UPDATE statement would
// store NULL in a column declared NOT NULL with no default.
var errNotNullViolation = errors.New("NOT NULL constraint failed")

// errColumnCount is returned when an INSERT statement's VALUES row has a
// different number of expressions than the column list it targets.
var errColumnCount = errors.New("value count does not match column count")

// errUnknownColumn is returned when a statement references a column that
// does not exist on the target table.
var errUnknownColumn = errors.New("unknown column")

// errOrderByNotProjected is returned when an ORDER BY term does not match
// any result column. This planner only sorts on projected columns; it does
// not add a hidden sort key the way a more capable optimizer would.
var errOrderByNotProjected = errors.New("ORDER BY expression must appear in the result columns")

// errMixedAggregate is returned when a SELECT mixes aggregate and
// non-aggregate result columns without a GROUP BY clause to reconcile them.
var errMixedAggregate = errors.New("cannot mix aggregate and non-aggregate result columns without GROUP BY")
