package tasks

import "testing"

func TestEmbeddedMigrations(t *testing.T) {
	for _, name := range []string{
		"migrations/00001_create_users.sql",
		"migrations/00002_create_categories.sql",
		"migrations/00003_create_tasks.sql",
	} {
		data, err := migrations.ReadFile(name)
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if len(data) == 0 {
			t.Errorf("%s is empty", name)
		}
	}
}
