package mocks

//go:generate mockgen -destination mock_locker.go -package mocks sync Locker
