package dashboard

import (
	"context"
	"time"

	"github.com/vaibhavgarg25/dashboard/internal/auth"
	"github.com/vaibhavgarg25/dashboard/internal/model"
)

const dateLayout = "2006-01-02"

// Repository is the slice of the user store the aggregator reads from.
type Repository interface {
	CountByRole(ctx context.Context, role model.Role) (int, error)
	CountCreatedSince(ctx context.Context, since time.Time) (int, error)
	SignupDates(ctx context.Context, start, end time.Time, role *model.Role) ([]time.Time, error)
	ListUsers(ctx context.Context, query string, roles []model.Role) ([]model.User, error)
}

type Filters struct {
	StartDate *time.Time
	EndDate   *time.Time
	Role      *model.Role
	Query     string
}

type Summary struct {
	TotalTeachers  int `json:"totalTeachers"`
	TotalStudents  int `json:"totalStudents"`
	WeeklySignups  int `json:"weeklySignups"`
	ActiveThisWeek int `json:"activeThisWeek"`
}

type TrendPoint struct {
	Date    string `json:"date"`
	Signups int    `json:"signups"`
}

type UserSummary struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Email     string  `json:"email"`
	Role      string  `json:"role"`
	Bio       *string `json:"bio"`
	AvatarURL *string `json:"avatarUrl"`
	CreatedAt string  `json:"createdAt"`
}

type Data struct {
	Summary Summary       `json:"summary"`
	Trend   []TrendPoint  `json:"trend"`
	Users   []UserSummary `json:"users"`
}

type Aggregator struct {
	repo Repository
	now  func() time.Time
}

func New(repo Repository) *Aggregator {
	return &Aggregator{repo: repo, now: time.Now}
}

// Dashboard computes the summary, the dense per-day signup trend and the
// viewer-scoped user listing.
//
// The summary keeps the contract the clients already depend on:
// totalTeachers and totalStudents are organization-wide counts that
// ignore the requested window, and weeklySignups counts from start
// onward, ignoring end and role. Whether that asymmetry against the
// windowed trend is intentional is an open product question; until it is
// answered the observed behavior stands. activeThisWeek is not tracked
// server-side and is always 0.
//
// Scoping: ADMIN viewers see every user and may filter the trend by
// role. TEACHER and STUDENT viewers receive only STUDENT records, with
// the trend recomputed over student signups; their role filter input is
// ignored. Anonymous callers get summary and trend but no listing.
func (a *Aggregator) Dashboard(ctx context.Context, viewer *auth.Identity, filters Filters) (Data, error) {
	now := a.now().UTC()
	start := now.Add(-7 * 24 * time.Hour)
	if filters.StartDate != nil {
		start = filters.StartDate.UTC()
	}
	end := now
	if filters.EndDate != nil {
		end = filters.EndDate.UTC()
	}

	totalTeachers, err := a.repo.CountByRole(ctx, model.RoleTeacher)
	if err != nil {
		return Data{}, err
	}
	totalStudents, err := a.repo.CountByRole(ctx, model.RoleStudent)
	if err != nil {
		return Data{}, err
	}
	weeklySignups, err := a.repo.CountCreatedSince(ctx, start)
	if err != nil {
		return Data{}, err
	}

	isAdmin := viewer != nil && viewer.Role == model.RoleAdmin

	trendRole := filters.Role
	if !isAdmin {
		trendRole = nil
		if viewer != nil {
			student := model.RoleStudent
			trendRole = &student
		}
	}

	signupDates, err := a.repo.SignupDates(ctx, start, end, trendRole)
	if err != nil {
		return Data{}, err
	}
	trend := buildTrend(start, end, signupDates)

	users := make([]UserSummary, 0)
	if viewer != nil {
		var roles []model.Role
		if !isAdmin {
			roles = []model.Role{model.RoleStudent}
		}
		listed, err := a.repo.ListUsers(ctx, filters.Query, roles)
		if err != nil {
			return Data{}, err
		}
		for _, user := range listed {
			users = append(users, summarizeUser(user))
		}
	}

	return Data{
		Summary: Summary{
			TotalTeachers: totalTeachers,
			TotalStudents: totalStudents,
			WeeklySignups: weeklySignups,
		},
		Trend: trend,
		Users: users,
	}, nil
}

// buildTrend walks from start to end in whole days, keying each bucket
// by its UTC calendar date. Signups outside the bucket set are dropped.
func buildTrend(start, end time.Time, signupDates []time.Time) []TrendPoint {
	buckets := make(map[string]int)
	var order []string
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		key := day.UTC().Format(dateLayout)
		if _, ok := buckets[key]; !ok {
			buckets[key] = 0
			order = append(order, key)
		}
	}

	for _, createdAt := range signupDates {
		key := createdAt.UTC().Format(dateLayout)
		if _, ok := buckets[key]; ok {
			buckets[key]++
		}
	}

	trend := make([]TrendPoint, 0, len(order))
	for _, key := range order {
		trend = append(trend, TrendPoint{Date: key, Signups: buckets[key]})
	}
	return trend
}

func summarizeUser(user model.User) UserSummary {
	return UserSummary{
		ID:        user.ID,
		Name:      user.Name,
		Email:     user.Email,
		Role:      string(user.Role),
		Bio:       user.Bio,
		AvatarURL: user.AvatarURL,
		CreatedAt: user.CreatedAt.UTC().Format(time.RFC3339),
	}
}
