// Package device decides whether a trusted device may bypass MFA.
//
// A device is bound to a principal only right after an explicit MFA
// verification in the same session ([Evaluator.Register]). At login,
// [Evaluator.Evaluate] looks the device up and then runs three runtime
// checks, in order:
//
//   - IP diversity: fewer than MaxDistinctIPs distinct IPs (the current one
//     included) used the device in the trailing IPWindow.
//   - Recent incident: no high-risk risk event for the principal in the
//     trailing IncidentWindow.
//   - Dormancy: the device was used within DormancyThreshold.
//
// Every denial carries a [Reason]. IP-diversity and dormancy failures also
// revoke the record; an incident only denies. An accepted device marks the
// session step-up verified through session.MarkStepUpComplete, exactly as an
// explicit verification does, and its use is recorded so later diversity
// checks see it.
package device
