package spaceapi

// DB creates live queries against one database type of the project.
type DB struct {
	api    *API
	dbType string
}

func (db *DB) Type() string {
	return db.dbType
}

// LiveQuery starts building a live query on collection. Nothing is sent until
// Subscribe.
func (db *DB) LiveQuery(collection string) *LiveQuery {
	return newLiveQuery(db.api, db.dbType, collection)
}
