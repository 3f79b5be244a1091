// Package core contains the normalization engine: configuration, the entity
// mappings, the state machine and the pipeline components that split the
// wide source table into profile, catalog and integration tables. Engine
// specific SQL lives behind the Dialect contract; core must not import a
// database driver.
package core
