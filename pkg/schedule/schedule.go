// Package schedule provides schedules for recurring commands and a
// Scheduler that enqueues them when they come due.
//
// This package includes:
//   - Schedule interface for defining recurring times
//   - Every() for fixed-interval schedules
//   - Daily() for daily schedules at a specific time
//   - Weekly() for weekly schedules on a specific day and time
//   - DailyIn() and WeeklyIn() for the same in a given location
//   - Cron() and ParseCron() for cron expression-based schedules
//   - Scheduler for feeding due commands into a core.Queuer
package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule determines when a recurring command runs next.
type Schedule interface {
	Next(from time.Time) time.Time
}

// everySchedule runs at fixed intervals measured from the previous run.
type everySchedule struct {
	interval time.Duration
}

// Every creates a schedule that runs at fixed intervals.
func Every(d time.Duration) Schedule {
	return &everySchedule{interval: d}
}

func (s *everySchedule) Next(from time.Time) time.Time {
	return from.Add(s.interval)
}

// wallClock is an hour and minute in a location.
type wallClock struct {
	hour, minute int
	loc          *time.Location
}

// on returns the wall clock time on the given calendar day of from,
// offset by days.
func (w wallClock) on(from time.Time, days int) time.Time {
	return time.Date(from.Year(), from.Month(), from.Day()+days, w.hour, w.minute, 0, 0, w.loc)
}

type dailySchedule struct {
	at wallClock
}

// Daily creates a schedule that runs at a specific UTC time each day.
func Daily(hour, minute int) Schedule {
	return DailyIn(time.UTC, hour, minute)
}

// DailyIn is Daily in the given location. A nil location means UTC.
func DailyIn(loc *time.Location, hour, minute int) Schedule {
	if loc == nil {
		loc = time.UTC
	}
	return &dailySchedule{at: wallClock{hour: hour, minute: minute, loc: loc}}
}

func (s *dailySchedule) Next(from time.Time) time.Time {
	from = from.In(s.at.loc)
	if next := s.at.on(from, 0); next.After(from) {
		return next
	}
	return s.at.on(from, 1)
}

type weeklySchedule struct {
	day time.Weekday
	at  wallClock
}

// Weekly creates a schedule that runs at a specific UTC day and time each week.
func Weekly(day time.Weekday, hour, minute int) Schedule {
	return WeeklyIn(time.UTC, day, hour, minute)
}

// WeeklyIn is Weekly in the given location. A nil location means UTC.
func WeeklyIn(loc *time.Location, day time.Weekday, hour, minute int) Schedule {
	if loc == nil {
		loc = time.UTC
	}
	return &weeklySchedule{day: day, at: wallClock{hour: hour, minute: minute, loc: loc}}
}

func (s *weeklySchedule) Next(from time.Time) time.Time {
	from = from.In(s.at.loc)
	ahead := (int(s.day) - int(from.Weekday()) + 7) % 7
	if next := s.at.on(from, ahead); next.After(from) {
		return next
	}
	return s.at.on(from, ahead+7)
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// cronSchedule wraps a cron expression.
type cronSchedule struct {
	schedule cron.Schedule
}

// ParseCron parses a five-field cron expression.
func ParseCron(expr string) (Schedule, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return &cronSchedule{schedule: schedule}, nil
}

// Cron is like ParseCron but panics on an invalid expression. Use it for
// expressions fixed at compile time.
func Cron(expr string) Schedule {
	s, err := ParseCron(expr)
	if err != nil {
		panic(err.Error())
	}
	return s
}

func (s *cronSchedule) Next(from time.Time) time.Time {
	return s.schedule.Next(from)
}
