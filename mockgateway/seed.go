package mockgateway

import (
	"github.com/google/uuid"

	"github.com/canopyhq/canopy/pkg/models"
)

// DemoOptions seeds a small demo drive with a mixed-status knowledge base:
// a root file, a reports folder whose files settle after a few polls, and
// an archive folder that is all directories.
func DemoOptions() []Option {
	readmeID := uuid.NewString()
	reportsID := uuid.NewString()
	q1ID := uuid.NewString()
	q2ID := uuid.NewString()
	archiveID := uuid.NewString()
	oldID := uuid.NewString()

	return []Option{
		WithChildren("", []models.Node{
			{ID: readmeID, Name: "readme.md"},
			{ID: reportsID, Name: "reports", IsDir: true},
			{ID: archiveID, Name: "archive", IsDir: true},
		}),
		WithChildren(reportsID, []models.Node{
			{ID: q1ID, Name: "reports/q1.pdf"},
			{ID: q2ID, Name: "reports/q2.pdf"},
		}),
		WithChildren(archiveID, []models.Node{
			{ID: oldID, Name: "archive/old", IsDir: true},
		}),
		WithChildren(oldID, []models.Node{}),
		WithStatusScript("",
			map[string]models.Status{readmeID: models.StatusPending},
			map[string]models.Status{readmeID: models.StatusIndexed},
		),
		WithStatusScript("reports",
			map[string]models.Status{q1ID: models.StatusPending, q2ID: models.StatusPending},
			map[string]models.Status{q1ID: models.StatusIndexed, q2ID: models.StatusPending},
			map[string]models.Status{q1ID: models.StatusIndexed, q2ID: models.StatusIndexed},
		),
	}
}
