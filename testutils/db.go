package testutils

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"
)

const testDBName = "bgsync_test"

// PrepareDBConnectionString returns a lib/pq connection string for the test
// database, creating a throwaway local one unless POSTGRES_DB names an
// existing database to reuse. POSTGRES_USER, POSTGRES_PASSWORD and
// POSTGRES_HOST override the defaults, which assume a local postgres that
// trusts the current user.
func PrepareDBConnectionString() string {
	dbName := os.Getenv("POSTGRES_DB")
	if dbName == "" {
		recreateLocalDB(testDBName)
		dbName = testDBName
	}
	username := os.Getenv("POSTGRES_USER")
	if username == "" {
		u, err := user.Current()
		if err != nil {
			fmt.Println("cannot get current user: ", err)
			os.Exit(2)
		}
		username = u.Username
	}
	connStr := fmt.Sprintf("user=%s dbname=%s sslmode=disable", username, dbName)
	if password := os.Getenv("POSTGRES_PASSWORD"); password != "" {
		connStr += " password=" + password
	}
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		connStr += " host=" + host
	}
	return connStr
}

// recreateLocalDB drops and recreates dbName so every run starts from empty
// tables.
func recreateLocalDB(dbName string) {
	fmt.Println("Note: tests require a postgres install accessible to the current user")
	drop := exec.Command("dropdb", "-f", dbName)
	drop.Stderr = os.Stderr
	drop.Run() // the database may not exist yet
	create := exec.Command("createdb", dbName)
	create.Stderr = os.Stderr
	if err := create.Run(); err != nil {
		fmt.Println("createdb failed: ", err)
		os.Exit(2)
	}
}
