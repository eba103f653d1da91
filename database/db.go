package database

import (
	"fmt"
	"log"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func SetupDatabase(
	dbBackend string,
	dbDSN string,
	debug bool,
) *gorm.DB {
	var db *gorm.DB
	var err error

	switch dbBackend {
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(dbDSN), &gorm.Config{})
	case "postgres":
		db, err = gorm.Open(postgres.Open(dbDSN), &gorm.Config{})
	default:
		panic(fmt.Sprintf("Unsupported/Unimplemented database backend: %s", dbBackend))
	}

	if err != nil {
		panic(fmt.Sprintf("Failed to connect to database: %v", err))
	}

	stmt := &gorm.Statement{DB: db}
	if debug {
		for i, table := range Tabels {
			stmt.Parse(table)
			tableName := stmt.Schema.Table
			log.Println(fmt.Sprintf("Dropping tables (%v/%v): %v", i+1, len(Tabels), tableName))
			db.Migrator().DropTable(table)
		}
	}

	for i, table := range Tabels {
		stmt.Parse(table)
		tableName := stmt.Schema.Table
		log.Println(fmt.Sprintf("Migrating table (%v/%v): %v", i+1, len(Tabels), tableName))
		err = db.AutoMigrate(table)
		if err != nil {
			panic(fmt.Sprintf("Failed to migrate table: %v", err))
		}
	}

	return db
}
