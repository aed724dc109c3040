package testutils

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"
)

// DefaultWait bounds every asynchronous expectation in suites.
const DefaultWait = 2 * time.Second

// BaseSuite is embedded by every component suite. It provides a debug logger and
// a fake transport that is recreated before each test.
//
//	type RegistrySuite struct {
//	    testutils.BaseSuite
//	}
//
//	func (s *RegistrySuite) SetupTest() {
//	    s.BaseSuite.SetupTest()
//	    // build the component under test on s.Transport
//	}
type BaseSuite struct {
	suite.Suite

	Helper    *TestHelper
	Logger    *logrus.Logger
	Transport *FakeTransport
}

// SetupTest resets the helper and fake transport.
func (s *BaseSuite) SetupTest() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	s.Transport = NewFakeTransport(s.Logger)
}

// WaitFor asserts that cond becomes true within DefaultWait.
func (s *BaseSuite) WaitFor(cond func() bool, msgAndArgs ...interface{}) bool {
	return s.Eventually(cond, DefaultWait, 5*time.Millisecond, msgAndArgs...)
}
